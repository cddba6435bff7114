package app

import (
	"net"

	"github.com/gaborage/todo-telemetry/database"
	"github.com/gaborage/todo-telemetry/observability"
)

// Options overrides the production wiring, mainly for tests. A nil *Options is valid.
type Options struct {
	// Connector replaces the pgx connector built from configuration.
	Connector database.Connector
	// Listener replaces listening on the configured address.
	Listener net.Listener
	// Telemetry is passed to observability.New.
	Telemetry []observability.Option

	SignalHandler SignalHandler
	Exit          ExitFunc
}

func (o *Options) connector() database.Connector {
	if o == nil {
		return nil
	}
	return o.Connector
}

func (o *Options) listener() net.Listener {
	if o == nil {
		return nil
	}
	return o.Listener
}

func (o *Options) telemetry() []observability.Option {
	if o == nil {
		return nil
	}
	return o.Telemetry
}

func (o *Options) signals() SignalHandler {
	if o == nil {
		return nil
	}
	return o.SignalHandler
}

func (o *Options) exit() ExitFunc {
	if o == nil {
		return nil
	}
	return o.Exit
}
