package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/lockagent/cmd/cpeer-lock-agent/app"
)

func main() {
	app.NewApp().Run()
}
