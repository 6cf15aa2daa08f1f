// Command seed keeps inserting random customers into the source collection
// so the sync pipeline has live traffic to mirror.
package main

import (
	"context"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/breez/anon-sync/anonymize"
	"github.com/breez/anon-sync/config"
	"github.com/breez/anon-sync/store"
	"github.com/breez/anon-sync/store/mongo"
	"github.com/juju/clock"
	"github.com/juju/mgo/v3/bson"
	"github.com/rs/zerolog"
)

const (
	interval = 200 * time.Millisecond
	maxBatch = 10
)

var (
	firstNames = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Ken", "Margaret", "Dennis"}
	lastNames  = []string{"Lovelace", "Hopper", "Turing", "Dijkstra", "Liskov", "Thompson", "Hamilton", "Ritchie"}
	cities     = []string{"Springfield", "Riverside", "Franklin", "Greenville", "Fairview"}
	states     = []string{"Oregon", "Texas", "Ohio", "Maine", "Utah"}
	domains    = []string{"example.com", "example.org", "example.net"}
)

func pick(values []string) string {
	return values[rand.IntN(len(values))]
}

func randomCustomer(now time.Time) store.Customer {
	first, last := pick(firstNames), pick(lastNames)
	return store.Customer{
		ID:        bson.NewObjectId(),
		FirstName: first,
		LastName:  last,
		Email:     strings.ToLower(first+"."+last) + "@" + pick(domains),
		Address: store.Address{
			Line1:    anonymize.Token(4) + " Main Street",
			Line2:    "Apt. " + anonymize.Token(3),
			Postcode: anonymize.Token(5),
			City:     pick(cities),
			State:    pick(states),
			Country:  "USA",
		},
		CreatedAt: now.Add(-time.Duration(rand.Int64N(int64(365 * 24 * time.Hour)))),
	}
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "seed").Logger()
	config, err := config.NewConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	session, err := mongo.Dial(config.DBURI)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer session.Close()
	collection := session.DB(config.DBName).C(config.SourceCollection)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	seed(ctx, clock.WallClock, collection.Insert, logger)
}

// seed inserts a random batch of customers every interval until ctx is done.
func seed(ctx context.Context, clk clock.Clock, insert func(docs ...interface{}) error, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-clk.After(interval):
			n := 1 + rand.IntN(maxBatch)
			docs := make([]interface{}, n)
			for i := range docs {
				docs[i] = randomCustomer(now)
			}
			if err := insert(docs...); err != nil {
				logger.Error().Err(err).Msg("insert failed")
				continue
			}
			logger.Info().Int("inserted", n).Msg("customers inserted")
		}
	}
}
