package commands

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kaiserd/MlDHT/dht"
	mlog "github.com/kaiserd/MlDHT/log"
	"github.com/kaiserd/MlDHT/node"
)

const logModule = "cmd"

var searchHash string

var runNodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the mldhtd node",
	RunE:  runNode,
}

func init() {
	// log level
	runNodeCmd.Flags().String("log_level", config.LogLevel, "Select log level (debug, info, warn, error or fatal)")

	// log flags
	runNodeCmd.Flags().String("log_file", config.LogFile, "Log output file")

	// dht flags
	runNodeCmd.Flags().Bool("dht.ipv4", config.DHT.IPv4, "Enable the IPv4 table")
	runNodeCmd.Flags().Bool("dht.ipv6", config.DHT.IPv6, "Enable the IPv6 table")
	runNodeCmd.Flags().Uint16("dht.port", config.DHT.Port, "UDP port for both address families")
	runNodeCmd.Flags().StringSlice("dht.bootstrap_nodes", config.DHT.BootstrapNodes, "Comma delimited host:port bootstrap nodes")

	runNodeCmd.Flags().StringVar(&searchHash, "search", "", "Hex infohash to look up once the node is bootstrapped")

	RootCmd.AddCommand(runNodeCmd)
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	startTime := time.Now()
	setLogLevel(config.LogLevel)
	if config.LogFile != "" {
		if err := mlog.InitLogFile(config); err != nil {
			return err
		}
	}

	// Create & start node
	n, err := node.NewNode(config)
	if err != nil {
		log.WithFields(log.Fields{"module": logModule, "err": err}).Fatal("failed to create node")
	}
	if err := n.Start(); err != nil {
		log.WithFields(log.Fields{"module": logModule, "err": err}).Fatal("failed to start node")
	}

	log.WithFields(log.Fields{
		"module":   logModule,
		"duration": time.Since(startTime),
	}).Info("start node complete")

	if searchHash != "" {
		if err := startSearch(n, searchHash); err != nil {
			log.WithFields(log.Fields{"module": logModule, "err": err}).Error("bad search infohash")
		}
	}

	// Trap signal, run forever.
	n.RunForever()
	return nil
}

// startSearch subscribes to the discovery events and fires a lookup for
// the given infohash, printing every peer that turns up.
func startSearch(n *node.Node, hexHash string) error {
	infohash, err := dht.HexID(hexHash)
	if err != nil {
		return err
	}
	sub, err := n.EventMux().Subscribe(dht.PeerDiscoveredEvent{}, dht.SearchEndedEvent{})
	if err != nil {
		return err
	}
	go func() {
		for ev := range sub.Chan() {
			switch data := ev.Data.(type) {
			case dht.PeerDiscoveredEvent:
				log.WithFields(log.Fields{
					"module":   logModule,
					"infohash": data.InfoHash,
					"peer_ip":  data.IP,
					"port":     data.Port,
				}).Info("peer discovered")
			case dht.SearchEndedEvent:
				log.WithFields(log.Fields{
					"module": logModule,
					"target": data.Target,
					"peers":  data.Peers,
				}).Info("search ended")
			}
		}
	}()
	n.Search(infohash, nil)
	return nil
}
