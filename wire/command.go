package wire

import (
	"fmt"

	"github.com/juju/errors"
)

type CommandType string

const (
	CommandRelayOn   CommandType = "relay-on"
	CommandRelayOff  CommandType = "relay-off"
	CommandReset     CommandType = "reset"
	CommandSetServer CommandType = "set-server-endpoint"
)

type Params map[string]string

// Fixed command vocabulary. Each entry renders a literal ASCII command
// with '#' sentinel, written to the device as raw bytes.
var commandTable = map[CommandType]func(Params) ([]byte, error){
	CommandRelayOn:  literal("RELAY,1#"),
	CommandRelayOff: literal("RELAY,0#"),
	CommandReset:    literal("RESET#"),
	CommandSetServer: func(p Params) ([]byte, error) {
		host, port := p["host"], p["port"]
		if host == "" || port == "" {
			return nil, errors.NotValidf("set-server-endpoint requires host and port params")
		}
		return []byte(fmt.Sprintf("SERVER,1,%s,%s,0#", host, port)), nil
	},
}

func literal(s string) func(Params) ([]byte, error) {
	b := []byte(s)
	return func(Params) ([]byte, error) { return b, nil }
}

// ResolveCommand maps (type, params) to the protocol byte buffer.
func ResolveCommand(t CommandType, params Params) ([]byte, error) {
	f, ok := commandTable[t]
	if !ok {
		return nil, errors.NotFoundf("command type=%s", t)
	}
	return f(params)
}

func KnownCommand(t CommandType) bool {
	_, ok := commandTable[t]
	return ok
}
