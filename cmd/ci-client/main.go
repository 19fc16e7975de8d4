package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:63690", "bridge address")
	versionFlag := flag.String("version", protocol.CurrentVersion.String(), "protocol version to announce")
	mask := flag.Uint("listen", 0, "listen mask: 1 message, 2 update, 4 complete, 0 all")
	calls := flag.Uint("calls", 0, "request the newest N calls after connecting")
	flag.Parse()

	version, err := protocol.ParseVersion(*versionFlag)
	if err != nil {
		log.Fatalf("invalid -version: %v", err)
	}

	client, err := Dial(*addr, version, 10*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	if err := client.Hello(uint32(*mask)); err != nil {
		log.Fatalf("hello failed: %v", err)
	}
	if *calls > 0 {
		if err := client.RequestCalls(uint16(min(*calls, 0xffff))); err != nil {
			log.Fatalf("call list request failed: %v", err)
		}
	}
	fmt.Printf("connected to %s as version %s\n", *addr, version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		client.Close()
	}()

	err = client.Listen(printEvent, printOther)
	switch {
	case errors.Is(err, errShutdown):
		fmt.Println("server shut down")
	case err != nil:
		fmt.Printf("connection ended: %v\n", err)
	}
	fmt.Printf("%d messages received\n", client.Received())
}

func printEvent(e Event) {
	ev := e.Call
	fmt.Printf("[%-8s] %s %s  %s (%s %s)  to %s %s\n",
		e.Stage, ev.Date, ev.Time, ev.NumberComplete, ev.Name, ev.Area, ev.MSN, ev.Alias)
}

func printOther(msg protocol.Message) {
	switch body := msg.Body.(type) {
	case protocol.VersionResponse:
		fmt.Printf("server version %s\n", body.Version)
	case protocol.CallListResponse:
		if body.ErrCode != protocol.ErrCodeOK {
			fmt.Printf("call list failed: code %d\n", body.ErrCode)
			return
		}
		events, err := protocol.CallEventsFromTable(body.Table)
		if err != nil {
			fmt.Printf("call list unreadable: %v\n", err)
			return
		}
		for _, ev := range events {
			printEvent(Event{Stage: "history", Call: ev})
		}
	default:
		fmt.Printf("%s/%s\n", msg.Body.Command(), msg.Body.Subcommand())
	}
}
