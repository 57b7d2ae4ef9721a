// Package logsvc provides the portal's Rollbar-backed core.Logger. Every
// level also prints through a standard logger so local output survives when
// Rollbar reporting is disabled (DEV, tests).
package logsvc

import (
	"log"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/schoolyard/portal/core"
	"github.com/schoolyard/portal/core/user"
)

type RollbarLogger struct {
	std *log.Logger
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	return &RollbarLogger{std: std}
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// prepare prefixes msg to args and pulls the first user.User out of them,
// reporting it to Rollbar as the affected person instead of logging it.
func (l RollbarLogger) prepare(msg string, args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, msg)

	var person *user.User
	for _, arg := range args {
		usr, ok := arg.(user.User)
		if !ok {
			out = append(out, arg)
			continue
		}
		if person == nil {
			person = &usr
		}
	}
	if person != nil {
		rollbar.SetPerson(person.ID, person.Username, person.Email)
	} else {
		rollbar.ClearPerson()
	}
	return out
}

func (l RollbarLogger) print(msg string, args []interface{}) {
	l.std.Println(msg)
	for _, arg := range args {
		l.std.Printf("%+v\n", arg)
	}
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	rollbar.Debug(l.prepare(msg, args)...)
	l.print(msg, args)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	rollbar.Info(l.prepare(msg, args)...)
	l.print(msg, args)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	rollbar.Warning(l.prepare(msg, args)...)
	l.print(msg, args)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	rollbar.Error(l.prepare(msg, args)...)
	l.print(msg, args)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	rollbar.Critical(l.prepare(msg, args)...)
	l.print(msg, args)
	l.std.Fatal(msg)
}
