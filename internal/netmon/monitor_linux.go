//go:build linux

package netmon

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// netlinkMonitor listens to rtnetlink multicast groups for link and address
// changes.
type netlinkMonitor struct {
	cfg Config
	fd  int
}

func newPlatformMonitor(cfg Config) (Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	// Receive timeout so the read loop notices cancellation.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &netlinkMonitor{cfg: cfg, fd: fd}, nil
}

func (m *netlinkMonitor) Start(ctx context.Context) (<-chan Event, error) {
	raw := make(chan Event, 16)
	go m.readLoop(ctx, raw)
	return Debounce(ctx, raw, m.cfg.Debounce), nil
}

func (m *netlinkMonitor) readLoop(ctx context.Context, events chan<- Event) {
	defer close(events)

	buf := make([]byte, 8192)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			log.Debug().Err(err).Msg("netlink read failed")
			return
		}

		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for i := range msgs {
			ev, ok := parseMessage(&msgs[i])
			if !ok || m.cfg.ignored(ev.Interface) {
				continue
			}
			select {
			case events <- ev:
			default:
			}
		}
	}
}

// parseMessage converts a route message into an event. Interface names come
// from IFLA_IFNAME for links and IFA_LABEL for addresses.
func parseMessage(msg *syscall.NetlinkMessage) (Event, bool) {
	ev := Event{Timestamp: time.Now()}
	var nameAttr uint16

	switch msg.Header.Type {
	case syscall.RTM_NEWADDR:
		ev.Type, nameAttr = ChangeAddressAdded, syscall.IFA_LABEL
	case syscall.RTM_DELADDR:
		ev.Type, nameAttr = ChangeAddressRemoved, syscall.IFA_LABEL
	case syscall.RTM_NEWLINK:
		ev.Type, nameAttr = ChangeInterfaceUp, syscall.IFLA_IFNAME
	case syscall.RTM_DELLINK:
		ev.Type, nameAttr = ChangeInterfaceDown, syscall.IFLA_IFNAME
	default:
		return ev, false
	}

	attrs, err := syscall.ParseNetlinkRouteAttr(msg)
	if err != nil {
		return ev, true
	}
	for _, attr := range attrs {
		if attr.Attr.Type == nameAttr && len(attr.Value) > 0 {
			ev.Interface = string(attr.Value[:len(attr.Value)-1])
			break
		}
	}
	return ev, true
}

func (m *netlinkMonitor) Close() error {
	return unix.Close(m.fd)
}
