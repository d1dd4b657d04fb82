package main

import (
	"github.com/autopeer-io/lockagent/cmd/cpeer-lock-sync/app"
)

func main() {
	app.NewApp().Run()
}
