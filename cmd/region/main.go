// Region participant server: one per region, fronting that region's ride
// store and answering the commit protocol.
package main

import (
	log "log/slog"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/avfleet/handoff"
	"github.com/avfleet/handoff/cassandra"
	"github.com/avfleet/handoff/inmemory"
	"github.com/avfleet/handoff/participant"
)

func main() {
	handoff.ConfigureLogging()

	region := os.Getenv("HANDOFF_REGION")
	if region == "" {
		log.Error("HANDOFF_REGION is required")
		os.Exit(1)
	}
	listen := os.Getenv("HANDOFF_LISTEN")
	if listen == "" {
		listen = ":8081"
	}

	var store handoff.RideStore
	if hosts := os.Getenv("HANDOFF_CASSANDRA_HOSTS"); hosts != "" {
		keyspace := os.Getenv("HANDOFF_KEYSPACE")
		if keyspace == "" {
			keyspace = "handoff_" + region
		}
		if _, err := cassandra.OpenConnection(cassandra.Config{
			ClusterHosts: strings.Split(hosts, ","),
			Keyspace:     keyspace,
		}); err != nil {
			log.Error("cassandra connection failed", "err", err.Error())
			os.Exit(1)
		}
		defer cassandra.CloseConnection()
		store = cassandra.NewRideStore(keyspace)
	} else {
		log.Warn("HANDOFF_CASSANDRA_HOSTS not set, rides are held in memory and lost on restart")
		store = inmemory.NewRideStore()
	}

	svc := participant.New(region, store)
	router := gin.Default()
	participant.RegisterRoutes(router, svc)

	log.Info("region participant listening", "region", region, "addr", listen)
	if err := router.Run(listen); err != nil {
		log.Error("server stopped", "err", err.Error())
		os.Exit(1)
	}
}
