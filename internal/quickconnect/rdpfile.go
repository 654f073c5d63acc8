package quickconnect

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmgate/vmgate/internal/connection"
)

// ParseRDPFile parses the classic .rdp key:type:value format. Only the
// fields we map onto a generic configuration are read; unknown lines are
// skipped, as mstsc does.
func ParseRDPFile(content []byte) (*Target, error) {
	t := &Target{Kind: connection.AdapterRDP, Port: defaultPort(connection.AdapterRDP)}
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		key, typ, value := strings.ToLower(parts[0]), parts[1], parts[2]
		switch key {
		case "full address", "alternate full address":
			if typ != "s" {
				continue
			}
			host, port, err := splitAddress(value)
			if err != nil {
				return nil, err
			}
			// "full address" wins over the alternate.
			if key == "full address" || t.Host == "" {
				t.Host = host
				if port != 0 {
					t.Port = port
				}
			}
		case "username":
			if typ == "s" {
				t.User = value
			}
		case "server port":
			if typ != "i" {
				continue
			}
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > 65535 {
				return nil, connection.NewValidation(fmt.Sprintf("invalid server port: %q", value), nil)
			}
			t.Port = n
		}
	}
	if err := sc.Err(); err != nil {
		return nil, connection.NewValidation("unreadable .rdp file", err)
	}
	if t.Host == "" {
		return nil, connection.NewValidation(".rdp file has no full address", nil)
	}
	return t, nil
}

func splitAddress(addr string) (string, int, error) {
	host, portStr, found := strings.Cut(addr, ":")
	if host == "" {
		return "", 0, connection.NewValidation("empty address in .rdp file", nil)
	}
	if !found {
		return host, 0, nil
	}
	n, err := strconv.Atoi(portStr)
	if err != nil || n < 1 || n > 65535 {
		return "", 0, connection.NewValidation(fmt.Sprintf("invalid port in address: %q", addr), nil)
	}
	return host, n, nil
}

// BuildRDPFile renders a minimal .rdp document for an RDP target.
func BuildRDPFile(t *Target) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "full address:s:%s:%d\r\n", t.Host, t.Port)
	if t.User != "" {
		fmt.Fprintf(&b, "username:s:%s\r\n", t.User)
	}
	b.WriteString("prompt for credentials:i:1\r\n")
	return b.Bytes()
}
