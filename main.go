package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/firezone/firezone-sub006/base/log"
	"github.com/firezone/firezone-sub006/service/mgr"
	"github.com/firezone/firezone-sub006/service/netenv"
	"github.com/firezone/firezone-sub006/service/resource"
	"github.com/firezone/firezone-sub006/service/tunnel"
)

const (
	resolverRefreshInterval = 30 * time.Second
	dnsPort                 = 53
)

var (
	logLevel      = flag.String("log", "info", "log level: trace, debug, info, warning, error, critical")
	resourcesFile = flag.String("resources", "", "path to a JSON file with granted resources")
)

func main() {
	flag.Parse()

	level := log.ParseLevel(*logLevel)
	if level == 0 {
		fmt.Fprintf(os.Stderr, "unknown log level %q\n", *logLevel)
		os.Exit(1)
	}
	log.Start(level)

	client := tunnel.NewClientState()

	if *resourcesFile != "" {
		resources, err := loadResources(*resourcesFile)
		if err != nil {
			log.Errorf("main: failed to load resources from %s: %s", *resourcesFile, err)
		}
		if len(resources) > 0 {
			client.SetResources(resources)
		}
	}

	m := mgr.New("tunnel")

	m.Repeat("resolver-discovery", resolverRefreshInterval, func(w *mgr.WorkerCtx) error {
		return refreshResolvers(w, client)
	})

	m.Go("cache-expiry", func(w *mgr.WorkerCtx) error {
		return expireCache(w, client)
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	log.Infof("main: shutting down")
	m.Cancel()
	m.WaitForWorkers(10 * time.Second)
}

// refreshResolvers re-reads the system's nameservers, feeds them into the
// sentinel mapping and probes the resulting effective set.
func refreshResolvers(w *mgr.WorkerCtx, client *tunnel.ClientState) error {
	nameservers := netenv.Nameservers()

	servers := make([]netip.AddrPort, 0, len(nameservers))
	for _, ns := range nameservers {
		servers = append(servers, netip.AddrPortFrom(ns.IP, dnsPort))
	}
	client.UpdateSystemResolvers(servers)

	for {
		event, ok := client.PollDNSServersUpdated()
		if !ok {
			break
		}
		log.Infof("main: sentinel nameservers changed: %v", event.Sentinels)
	}

	effective := client.DNSConfig().EffectiveServers()
	if len(effective) == 0 {
		return nil
	}
	client.Evaluator().Evaluate(w.Ctx(), effective)
	if err := client.Evaluator().Wait(w.Ctx()); err != nil {
		return err
	}
	if fastest, ok := client.Evaluator().Fastest(); ok {
		log.Debugf("main: fastest upstream is %s", fastest)
	}
	return nil
}

// expireCache drives the DNS cache's expiry from its own deadline queue.
func expireCache(w *mgr.WorkerCtx, client *tunnel.ClientState) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		if deadline, ok := client.PollTimeout(); ok {
			wait = time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			client.HandleTimeout(time.Now())
		case <-w.Done():
			return nil
		}
	}
}

// resourceDefinition is one entry of the -resources file.
type resourceDefinition struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Address string            `json:"address"`
	Name    string            `json:"name"`
	Sites   []resource.Site   `json:"sites"`
	Filters []resource.Filter `json:"filters"`
}

// loadResources reads granted resources from a JSON file. Invalid entries are
// skipped; their errors are collected and returned alongside the valid rest.
func loadResources(path string) ([]resource.Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var definitions []resourceDefinition
	if err := json.Unmarshal(data, &definitions); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	var merr *multierror.Error
	resources := make([]resource.Description, 0, len(definitions))
	for i, def := range definitions {
		r, err := buildResource(def)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("resource #%d (%s): %w", i, def.Name, err))
			continue
		}
		resources = append(resources, r)
	}
	return resources, merr.ErrorOrNil()
}

func buildResource(def resourceDefinition) (resource.Description, error) {
	id, err := uuid.FromString(def.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", def.ID, err)
	}

	switch def.Type {
	case "dns":
		return resource.NewDNS(id, def.Address, def.Name, def.Sites, def.Filters)

	case "cidr":
		network, err := netip.ParsePrefix(def.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", def.Address, err)
		}
		return &resource.CIDR{ID: id, Network: network, Name: def.Name, Sites: def.Sites, Filter: def.Filters}, nil

	case "internet":
		return &resource.Internet{ID: id, Name: def.Name}, nil

	default:
		return nil, fmt.Errorf("unknown resource type %q", def.Type)
	}
}
