package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_serverless-cmx._tcp"
	mdnsDomain      = "local."
	mdnsLabelMax    = 63
)

// startMDNS advertises the webhook on the local link so scanning simulators
// can find it without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "serverless-cmx"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Scanning Relay %s (%s)", a.cfg.StoreProjectID, hostname))
	txt := []string{
		"path=/api/scanning",
		fmt.Sprintf("project=%s", a.cfg.StoreProjectID),
		fmt.Sprintf("scanning_topic=%s", a.cfg.ScanningTopic()),
		fmt.Sprintf("version=%s", Version),
		fmt.Sprintf("host=%s.local", sanitizeMDNSHost(hostname)),
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		cleaned = "Scanning Relay"
	}
	return truncateLabel(cleaned)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	if i := strings.IndexByte(cleaned, '.'); i >= 0 {
		cleaned = cleaned[:i]
	}
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "serverless-cmx"
	}
	return truncateLabel(cleaned)
}

// truncateLabel caps a DNS label at 63 runes.
func truncateLabel(s string) string {
	runes := []rune(s)
	if len(runes) > mdnsLabelMax {
		return string(runes[:mdnsLabelMax])
	}
	return s
}
