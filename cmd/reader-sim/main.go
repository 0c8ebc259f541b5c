package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type scanPayload struct {
	EventType string `json:"event_type"`
	Reader    string `json:"reader"`
	UID       string `json:"uid,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	namespace := flag.String("namespace", "asset_tracking", "Topic namespace")
	readerCode := flag.String("reader", "R-12A", "Reader code to report as")
	uids := flag.String("uids", "04A1B2C3", "Comma-separated RFID uids to cycle through")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published scans")
	omitTimestamp := flag.Bool("omit-timestamp", false, "Leave the timestamp field out so the server uses its own clock")
	bootOnly := flag.Bool("boot", false, "Publish a single boot event and exit")

	flag.Parse()

	tags := strings.Split(*uids, ",")
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
	}

	clientID := fmt.Sprintf("%s-simulator-%s", *readerCode, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	topic := fmt.Sprintf("%s/readers/%s/scan", *namespace, *readerCode)

	publish := func(payload scanPayload) {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s event_type=%s uid=%s", topic, payload.EventType, payload.UID)
	}

	// Real readers announce themselves on power-up before scanning.
	boot := scanPayload{EventType: "boot", Reader: *readerCode}
	if !*omitTimestamp {
		boot.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	publish(boot)

	if *bootOnly {
		client.Disconnect(250)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	next := 0
	scan := func() {
		payload := scanPayload{
			EventType: "scan",
			Reader:    *readerCode,
			UID:       tags[next%len(tags)],
		}
		next++
		if !*omitTimestamp {
			payload.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		}
		publish(payload)
	}

	scan()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			scan()
		}
	}
}
