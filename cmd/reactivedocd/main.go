// Command reactivedocd runs a single reactivedoc.Node over an
// in-memory store and a Redis-backed (or single-process, if no Redis
// address is given) broadcast factory, printing leader-election and
// aggregate view status to stdout. It exists to exercise the whole
// wiring end-to-end rather than as a deployable service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/reactivedoc/core/broadcast"
	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/election"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
	"github.com/reactivedoc/core/reactivedoc"
	"github.com/reactivedoc/core/reactivelog"
	"github.com/reactivedoc/core/store/memadapter"
	"github.com/reactivedoc/core/view"
)

func main() {
	var (
		redisAddr  = flag.String("redis-addr", "", "Redis address for cross-tab broadcast; empty uses the single-process fallback")
		collection = flag.String("collection", "documents", "collection name this node coordinates over")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	reactivelog.SetLevel(*logLevel)
	logger := reactivelog.New("reactivedocd")

	factory := resolveFactory(*redisAddr)
	s := memadapter.New()

	node, err := reactivedoc.New(s, factory,
		reactivedoc.WithCollection(*collection),
		reactivedoc.WithLogger(logger),
	)
	if err != nil {
		logger.Sugar().Fatalf("construct node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)

	activeDocs, err := node.Views.CreateView("active", view.Definition{
		Collection: *collection,
		Spec: query.Spec{
			Filter: filter.Field{Path: "active", Op: filter.Eq{Value: true}},
			Sort:   []query.SortField{{Field: "createdAt", Direction: query.Ascending}},
		},
	})
	if err != nil {
		logger.Sugar().Fatalf("create view: %v", err)
	}
	activeDocs.Subscribe(func(docs []*document.Document) {
		logger.Sugar().Infof("active view now has %d document(s)", len(docs))
	})

	node.Election.OnLeaderChanged(func(st election.State) {
		logger.Sugar().Infof("leader changed: leaderId=%s isLeader=%v", st.LeaderID, st.IsLeader)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	node.Close(shutdownCtx)
	fmt.Println("reactivedocd: shut down")
}

func resolveFactory(redisAddr string) broadcast.Factory {
	if redisAddr == "" {
		return broadcast.NewMemoryFactory()
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return broadcast.NewRedisFactory(client, "reactivedocd")
}
