package main

import (
	"strconv"

	cli "gopkg.in/alecthomas/kingpin.v2"
)

type Actions struct {
	registry map[string]func() error
}

func (actions *Actions) register(cmd *cli.CmdClause, fn func() error) *Actions {
	if actions.registry == nil {
		actions.registry = map[string]func() error{}
	}

	actions.registry[cmd.FullCommand()] = fn

	return actions
}

func (actions *Actions) dispatch(app *cli.Application, args []string) error {
	cmd, err := app.Parse(args)
	if err != nil {
		return err
	}

	if fn, ok := actions.registry[cmd]; ok {
		return fn()
	}

	return nil
}

// exitCode is returned by actions which have already reported the problem
// and only need the process to exit with the given code.
type exitCode int

func (code exitCode) Error() string {
	return "exit status " + strconv.Itoa(int(code))
}
