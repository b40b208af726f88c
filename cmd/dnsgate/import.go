package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/driver"
	"dnsgate/pkg/logging"
)

// runImport loads a domain list file into the configured blacklist or
// whitelist driver. Plain lists (one domain per line) and hosts-file
// format (IP followed by domains) are both accepted; comments and
// blank lines are skipped.
func runImport(cfg *config.Config, role, path string) error {
	var dc config.DriverConfig
	var storeRole driver.Role
	switch role {
	case "blacklist":
		dc = cfg.Drivers.Blacklist
		storeRole = driver.RoleBlacklist
	case "whitelist":
		dc = cfg.Drivers.Whitelist
		storeRole = driver.RoleWhitelist
	default:
		return fmt.Errorf("unknown import role %q (want blacklist or whitelist)", role)
	}

	entries, err := parseDomainList(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no domains found in %s", path)
	}

	store, err := driver.OpenPolicyStore(storeRole, dc.Type, driver.OptionsFromMap(dc.Options))
	if err != nil {
		return fmt.Errorf("%s driver: %w", role, err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	added, err := store.Import(ctx, entries)
	if err != nil {
		return err
	}
	logging.Info("Import complete",
		"file", path,
		"role", role,
		"parsed", len(entries),
		"added", added,
		"skipped", len(entries)-added,
	)
	return nil
}

func parseDomainList(path string) ([]driver.PolicyEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	now := time.Now()
	source := "import:" + path

	var entries []driver.PolicyEntry
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		// Hosts format: drop the leading address column
		if net.ParseIP(fields[0]) != nil {
			fields = fields[1:]
		}

		for _, domain := range fields {
			domain = strings.ToLower(strings.TrimSuffix(domain, "."))
			if domain == "" || domain == "localhost" || seen[domain] {
				continue
			}
			seen[domain] = true
			entries = append(entries, driver.PolicyEntry{
				Domain:  domain,
				AddedAt: now,
				Source:  source,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
