//go:build linux

package netutil

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval is the receive timeout that lets Run notice cancellation.
const pollInterval = time.Second

// Monitor subscribes to rtnetlink link notifications.
type Monitor struct {
	fd      int
	logger  *slog.Logger
	tracker *linkTracker
}

// NewMonitor opens a NETLINK_ROUTE socket joined to the link group.
func NewMonitor(logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("netutil: netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: unix.RTMGRP_LINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netutil: netlink bind: %w", err)
	}
	tv := unix.NsecToTimeval(pollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netutil: netlink timeout: %w", err)
	}
	return &Monitor{fd: fd, logger: logger, tracker: newLinkTracker()}, nil
}

// Run delivers link transitions to out until ctx is done.
func (m *Monitor) Run(ctx context.Context, out chan<- LinkEvent) error {
	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("netutil: netlink receive: %w", err)
		}
		updates, err := ParseLinkMessages(buf[:n])
		if err != nil {
			m.logger.Warn("netlink_parse_failed", "error", err)
		}
		for _, u := range updates {
			ev, changed := m.tracker.observe(u.LinkEvent)
			if u.Deleted {
				m.tracker.forget(u.Index)
			}
			if !changed {
				continue
			}
			m.logger.Info("link_state_changed",
				"ifindex", ev.Index,
				"ifname", ev.Name,
				"up", ev.Up,
			)
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// LinkUpdate is one parsed RTM_NEWLINK or RTM_DELLINK message.
type LinkUpdate struct {
	LinkEvent
	Deleted bool
}

// ParseLinkMessages decodes a netlink datagram. Every length is checked
// against the buffer; updates decoded before a malformed message are kept.
func ParseLinkMessages(b []byte) ([]LinkUpdate, error) {
	var out []LinkUpdate
	for len(b) >= unix.SizeofNlMsghdr {
		msgLen := int(binary.NativeEndian.Uint32(b[0:4]))
		msgType := binary.NativeEndian.Uint16(b[4:6])
		if msgLen < unix.SizeofNlMsghdr || msgLen > len(b) {
			return out, fmt.Errorf("%w: message length %d of %d", ErrMalformedMessage, msgLen, len(b))
		}
		body := b[unix.SizeofNlMsghdr:msgLen]

		switch msgType {
		case unix.NLMSG_DONE:
			return out, nil
		case unix.RTM_NEWLINK, unix.RTM_DELLINK:
			u, err := parseIfInfo(body)
			if err != nil {
				return out, err
			}
			if msgType == unix.RTM_DELLINK {
				u.Up = false
				u.Deleted = true
			}
			out = append(out, u)
		}

		next := nlmsgAlign(msgLen)
		if next > len(b) {
			break
		}
		b = b[next:]
	}
	return out, nil
}

func parseIfInfo(b []byte) (LinkUpdate, error) {
	if len(b) < unix.SizeofIfInfomsg {
		return LinkUpdate{}, fmt.Errorf("%w: ifinfomsg of %d bytes", ErrMalformedMessage, len(b))
	}
	index := int(int32(binary.NativeEndian.Uint32(b[4:8])))
	flags := binary.NativeEndian.Uint32(b[8:12])
	u := LinkUpdate{LinkEvent: LinkEvent{Index: index, Up: flags&unix.IFF_RUNNING != 0}}

	attrs := b[unix.SizeofIfInfomsg:]
	for len(attrs) >= unix.SizeofRtAttr {
		attrLen := int(binary.NativeEndian.Uint16(attrs[0:2]))
		attrType := binary.NativeEndian.Uint16(attrs[2:4])
		if attrLen < unix.SizeofRtAttr || attrLen > len(attrs) {
			return LinkUpdate{}, fmt.Errorf("%w: attribute length %d of %d", ErrMalformedMessage, attrLen, len(attrs))
		}
		if attrType == unix.IFLA_IFNAME {
			name := attrs[unix.SizeofRtAttr:attrLen]
			for i, c := range name {
				if c == 0 {
					name = name[:i]
					break
				}
			}
			u.Name = string(name)
		}
		next := rtaAlign(attrLen)
		if next > len(attrs) {
			break
		}
		attrs = attrs[next:]
	}
	return u, nil
}

func nlmsgAlign(n int) int { return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1) }
func rtaAlign(n int) int   { return (n + unix.RTA_ALIGNTO - 1) &^ (unix.RTA_ALIGNTO - 1) }
