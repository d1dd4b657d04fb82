package main

import (
	"github.com/autopeer-io/lockagent/cmd/cpeer-lockctl/app"
)

func main() {
	app.NewApp().Run()
}
