package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/labgw/internal/supervisor"
)

// mdnsServiceType is the service type advertised for every bound listener
// port, one zeroconf registration per port so LIS/LIMS discovery tools can
// see each analyzer_type/protocol combination separately.
const mdnsServiceType = "_lab-receiver._tcp"

// startMDNS registers one mDNS service per spec and returns a single
// cleanup function that shuts all of them down. Safe to call with an empty
// slice (no-op cleanup).
func startMDNS(ctx context.Context, cfg *appConfig, specs []supervisor.ListenerSpec) (func(), error) {
	if len(specs) == 0 {
		return func() {}, nil
	}
	host, _ := os.Hostname()

	var services []*zeroconf.Server
	for _, spec := range specs {
		instance := fmt.Sprintf("lab-receiver-%s-%d", host, spec.Port)
		meta := []string{
			"analyzer_type=" + spec.AnalyzerType,
			"protocol=" + string(spec.Protocol),
			"version=" + version,
			"commit=" + commit,
		}
		svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", spec.Port, meta, nil)
		if err != nil {
			for _, s := range services {
				s.Shutdown()
			}
			return nil, fmt.Errorf("mdns register port %d: %w", spec.Port, err)
		}
		services = append(services, svc)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		for _, s := range services {
			s.Shutdown()
		}
	}()
	return func() {
		close(done)
		time.Sleep(50 * time.Millisecond)
	}, nil
}
