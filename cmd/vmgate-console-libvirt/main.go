// vmgate-console-libvirt attaches stdin/stdout to the serial console of a
// libvirt domain. It is spawned by the backend under a PTY, but also runs
// standalone for debugging.
//
// Usage: vmgate-console-libvirt <libvirt-uri> <domain-name>
//
// go-libvirt has no stream support for DomainOpenConsole, so the helper
// reads the pty device path out of the domain XML and opens it directly.
// That only works when the helper runs on the hypervisor itself; remote
// URIs fail with a protocol error.
package main

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"golang.org/x/term"

	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/ptydriver"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmgate-console-libvirt: %v\n", err)
	}
	os.Exit(ptydriver.ExitCodeFor(err))
}

func run() error {
	h, err := ptydriver.Parse(os.Args[1:], os.Getenv)
	if err != nil {
		return connection.NewInternal("invalid handshake", err)
	}

	l, local, err := dial(h.Endpoint)
	if err != nil {
		return err
	}
	defer l.Disconnect()
	if !local {
		return connection.NewProtocolRejected(
			"serial console attachment requires a local libvirt uri", nil)
	}

	dom, err := l.DomainLookupByName(h.Target)
	if err != nil {
		return connection.NewProtocolRejected("domain not found: "+h.Target, err)
	}
	desc, err := l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return connection.NewUnreachable("reading domain description failed", err)
	}
	ptyPath, err := consolePTY(desc)
	if err != nil {
		return err
	}

	pts, err := os.OpenFile(ptyPath, os.O_RDWR, 0)
	if err != nil {
		return connection.NewUnreachable("opening "+ptyPath+" failed", err)
	}
	defer pts.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	errs := make(chan error, 2)
	go func() { errs <- pump(os.Stdout, pts) }()
	go func() { errs <- pump(pts, os.Stdin) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errs:
		return err
	case <-stop:
		return nil
	}
}

func pump(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
		return connection.NewUnreachable("console stream ended", err)
	}
	return nil
}

// dial connects per the libvirt URI. Only URIs naming no host are local.
func dial(uri string) (*libvirt.Libvirt, bool, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, false, connection.NewValidation("invalid libvirt uri: "+uri, err)
	}
	var l *libvirt.Libvirt
	local := u.Host == ""
	if local {
		l = libvirt.NewWithDialer(dialers.NewLocal())
	} else {
		port := u.Port()
		if port == "" {
			port = "16509"
		}
		l = libvirt.NewWithDialer(dialers.NewRemote(u.Hostname(), dialers.UsePort(port)))
	}
	if err := l.Connect(); err != nil {
		return nil, false, connection.NewUnreachable("connecting to libvirt failed", err)
	}
	return l, local, nil
}

// domainChardevs is the slice of the domain XML the helper cares about.
type domainChardevs struct {
	Devices struct {
		Consoles []chardev `xml:"console"`
		Serials  []chardev `xml:"serial"`
	} `xml:"devices"`
}

type chardev struct {
	Type   string `xml:"type,attr"`
	Source struct {
		Path string `xml:"path,attr"`
	} `xml:"source"`
}

// consolePTY finds the pty device backing the domain's console, preferring
// <console> over <serial>.
func consolePTY(desc string) (string, error) {
	var d domainChardevs
	if err := xml.Unmarshal([]byte(desc), &d); err != nil {
		return "", connection.NewInternal("parsing domain description failed", err)
	}
	for _, devs := range [][]chardev{d.Devices.Consoles, d.Devices.Serials} {
		for _, c := range devs {
			if c.Type == "pty" && strings.HasPrefix(c.Source.Path, "/dev/") {
				return c.Source.Path, nil
			}
		}
	}
	return "", connection.NewProtocolRejected("domain has no pty console", nil)
}
