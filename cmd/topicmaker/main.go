package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/niksmo/cartsync/config"
	"github.com/niksmo/cartsync/internal/adapter"
	"github.com/niksmo/cartsync/pkg/sigctx"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	partitions        = 3
	replicationFactor = 3
	cleanupDelete     = "delete"
	retention         = 24 * time.Hour
)

func main() {
	sigCtx, closeApp := sigctx.NotifyContext(context.Background())
	defer closeApp()

	cfg := config.Load()
	if !cfg.Broker.Enabled() {
		fmt.Println("no seed brokers configured, nothing to do")
		return
	}

	cl := createClient(cfg)
	defer cl.Close()

	printStart(cfg)
	defer printComplete(time.Now())

	// cart events only matter until every instance has refreshed
	err := makeTopics(
		sigCtx, cl, cleanupDelete, retention,
		cfg.Broker.Topics.CartEvents,
	)
	if err != nil {
		printFail(err)
		return
	}
}

func createClient(cfg config.Config) *kadm.Client {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Broker.SeedBrokers...)}
	if files := cfg.Broker.TLS; files.Enabled() {
		tlsCfg, err := adapter.LoadTLSConfig(files.CA, files.Cert, files.Key)
		if err != nil {
			panic(err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}

	cl, err := kadm.NewOptClient(opts...)
	if err != nil {
		panic(err) // develop mistake
	}
	return cl
}

func makeTopics(
	ctx context.Context,
	cl *kadm.Client,
	cleanupPolicy string,
	retention time.Duration,
	topics ...string,
) error {
	var (
		minISR      = "2"
		retentionMS = strconv.FormatInt(retention.Milliseconds(), 10)
	)

	config := map[string]*string{
		"cleanup.policy":      &cleanupPolicy,
		"min.insync.replicas": &minISR,
		"retention.ms":        &retentionMS,
	}

	responses, err := cl.CreateTopics(
		ctx,
		partitions,
		replicationFactor,
		config,
		topics...,
	)

	if err != nil {
		return err
	}

	var errs []error
	for _, res := range responses.Sorted() {
		err := res.Err
		if err != nil {
			if errors.Is(res.Err, kerr.TopicAlreadyExists) {
				fmt.Printf("topic: %q already exists\n", res.Topic)
			} else {
				errs = append(errs, err)
			}
			continue
		}
		fmt.Printf("topic: %q successfully created\n", res.Topic)
	}

	return errors.Join(errs...)
}

func printStart(cfg config.Config) {
	fmt.Printf(`initializing topics...
	- %q

`,
		cfg.Broker.Topics.CartEvents,
	)
}

func printComplete(start time.Time) {
	fmt.Printf("\ncomplete in %s\n", time.Since(start))
}

func printFail(err error) {
	fmt.Printf("failed to create topics: \n%s\n", err)
}
