package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub003/realtime"
)

const RealtimeCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Realtime sync control.

Usage:
    realtimectl sink --url=<url> --jwt=<jwt>
        [--mode=<mode>]
        [--room=<room>]...
    realtimectl op --url=<url> --jwt=<jwt>
        [--mode=<mode>]
        --name=<name>
        [--payload=<payload>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --url=<url>              Sync server url.
    --jwt=<jwt>              Your platform JWT.
    --mode=<mode>            Transport mode, channel or raw [default: channel].
    --room=<room>            Room to join. May be repeated.
    --name=<name>            Operation name.
    --payload=<payload>      Operation payload as JSON.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RealtimeCtlVersion)
	if err != nil {
		panic(err)
	}

	if sink_, _ := opts.Bool("sink"); sink_ {
		sink(opts)
	} else if op_, _ := opts.Bool("op"); op_ {
		op(opts)
	}
}

func newService(opts docopt.Opts) *realtime.SocketService {
	url, _ := opts.String("--url")
	jwt, _ := opts.String("--jwt")
	mode, _ := opts.String("--mode")

	settings := realtime.DefaultServiceSettings()
	settings.TransportMode = realtime.TransportMode(mode)

	return realtime.NewSocketService(
		context.Background(),
		url,
		&realtime.ClientAuth{
			ByJwt:      jwt,
			InstanceId: realtime.NewId(),
			AppVersion: fmt.Sprintf("realtimectl %s", RealtimeCtlVersion),
		},
		settings,
	)
}

func sink(opts docopt.Opts) {
	service := newService(opts)
	defer service.Destroy()

	watcher := service.Watch(256)

	rooms := []string{}
	if roomsOpt, ok := opts["--room"]; ok {
		if roomsList, ok := roomsOpt.([]string); ok {
			rooms = roomsList
		}
	}

	go func() {
		for _, room := range rooms {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := service.JoinRoom(ctx, room)
			cancel()
			if err != nil {
				Err.Printf("join %s error = %s\n", room, err)
			} else {
				Out.Printf("joined %s\n", room)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case event := <-watcher:
			dataJson, _ := json.Marshal(event.Data)
			Out.Printf("%s %s\n", event.Event, dataJson)
		case <-quit:
			return
		}
	}
}

func op(opts docopt.Opts) {
	service := newService(opts)
	defer service.Destroy()

	name, _ := opts.String("--name")
	payload := map[string]any{}
	if payloadJson, err := opts.String("--payload"); err == nil && payloadJson != "" {
		if err := json.Unmarshal([]byte(payloadJson), &payload); err != nil {
			Err.Fatalf("payload parse error = %s\n", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ack, err := service.SendOperation(ctx, name, payload, "")
	if err != nil {
		Err.Fatalf("op error = %s\n", err)
	}
	ackJson, _ := json.Marshal(ack)
	Out.Printf("%s\n", ackJson)
}
