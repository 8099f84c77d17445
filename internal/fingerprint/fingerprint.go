// Package fingerprint derives a stable per-machine identifier from local
// hardware facts for optional license binding.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/net"
)

// ErrNoIdentifiers indicates no hardware identifier could be collected at
// all; a fingerprint computed from nothing would collide across machines.
var ErrNoIdentifiers = errors.New("no hardware identifiers available")

// Collector gathers hardware identifiers. The source functions default to
// gopsutil and are injectable for tests.
type Collector struct {
	hostID     func(ctx context.Context) (string, error)
	interfaces func(ctx context.Context) (net.InterfaceStatList, error)
	cpuInfo    func(ctx context.Context) ([]cpu.InfoStat, error)
}

// NewCollector creates a Collector backed by the local system.
func NewCollector() *Collector {
	return &Collector{
		hostID:     host.HostIDWithContext,
		interfaces: net.InterfacesWithContext,
		cpuInfo:    cpu.InfoWithContext,
	}
}

// Fingerprint computes the machine fingerprint hash: SHA-256 over the
// platform UUID, the lexicographically sorted MAC addresses of physical
// adapters, and the reported CPU model string, concatenated in that fixed
// order. Sorting makes the result independent of OS device enumeration
// order. Only the hash ever leaves this function; raw identifiers are not
// persisted or transmitted.
func (c *Collector) Fingerprint(ctx context.Context) (string, error) {
	var components []string

	if id, err := c.hostID(ctx); err == nil && id != "" {
		components = append(components, "MID:"+strings.ToLower(id))
	}

	if macs := c.collectMACs(ctx); len(macs) > 0 {
		components = append(components, "MAC:"+strings.Join(macs, ","))
	}

	if infos, err := c.cpuInfo(ctx); err == nil && len(infos) > 0 && infos[0].ModelName != "" {
		sum := sha256.Sum256([]byte(infos[0].ModelName))
		components = append(components, "CPU:"+hex.EncodeToString(sum[:8]))
	}

	if len(components) == 0 {
		return "", ErrNoIdentifiers
	}

	digest := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(digest[:]), nil
}

// collectMACs returns the normalized, sorted hardware addresses of
// non-loopback interfaces.
func (c *Collector) collectMACs(ctx context.Context) []string {
	stats, err := c.interfaces(ctx)
	if err != nil {
		return nil
	}

	var macs []string
	for _, iface := range stats {
		if iface.HardwareAddr == "" {
			continue
		}
		loopback := false
		for _, flag := range iface.Flags {
			if flag == "loopback" {
				loopback = true
				break
			}
		}
		if loopback {
			continue
		}
		macs = append(macs, strings.ToLower(strings.ReplaceAll(iface.HardwareAddr, "-", ":")))
	}

	sort.Strings(macs)
	return macs
}
