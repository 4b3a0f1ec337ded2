//go:build linux
// +build linux

package kernel

import (
	"fmt"
	"net"
	"runtime"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// handleNetlinker is the Netlinker backed by a netlink handle.
type handleNetlinker struct {
	h *netlink.Handle
}

func (n *handleNetlinker) LinkByName(name string) (netlink.Link, error) {
	return n.h.LinkByName(name)
}

func (n *handleNetlinker) LinkList() ([]netlink.Link, error) {
	return n.h.LinkList()
}

func (n *handleNetlinker) LinkAdd(link netlink.Link) error {
	return n.h.LinkAdd(link)
}

func (n *handleNetlinker) LinkDel(link netlink.Link) error {
	return n.h.LinkDel(link)
}

func (n *handleNetlinker) LinkSetUp(link netlink.Link) error {
	return n.h.LinkSetUp(link)
}

func (n *handleNetlinker) LinkSetDown(link netlink.Link) error {
	return n.h.LinkSetDown(link)
}

func (n *handleNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return n.h.LinkSetMTU(link, mtu)
}

func (n *handleNetlinker) LinkSetHardwareAddr(link netlink.Link, addr string) error {
	hw, err := net.ParseMAC(addr)
	if err != nil {
		return err
	}
	return n.h.LinkSetHardwareAddr(link, hw)
}

func (n *handleNetlinker) LinkSetMaster(link, master netlink.Link) error {
	return n.h.LinkSetMaster(link, master)
}

func (n *handleNetlinker) LinkSetNoMaster(link netlink.Link) error {
	return n.h.LinkSetNoMaster(link)
}

// VethPeerIndex uses an ethtool ioctl, which always runs in the calling
// thread's namespace.
func (n *handleNetlinker) VethPeerIndex(link *netlink.Veth) (int, error) {
	return netlink.VethPeerIndex(link)
}

func (n *handleNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return n.h.AddrList(link, family)
}

func (n *handleNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return n.h.AddrAdd(link, addr)
}

func (n *handleNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return n.h.AddrDel(link, addr)
}

func (n *handleNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return n.h.RouteList(link, family)
}

func (n *handleNetlinker) RouteReplace(route *netlink.Route) error {
	return n.h.RouteReplace(route)
}

func (n *handleNetlinker) RouteDel(route *netlink.Route) error {
	return n.h.RouteDel(route)
}

func (n *handleNetlinker) Close() {
	n.h.Close()
}

// ethtoolHandle adapts *ethtool.Ethtool to Ethtooler.
type ethtoolHandle struct {
	e *ethtool.Ethtool
}

func (h *ethtoolHandle) Features(name string) (map[string]bool, error) {
	return h.e.Features(name)
}

func (h *ethtoolHandle) Change(name string, features map[string]bool) error {
	return h.e.Change(name, features)
}

func (h *ethtoolHandle) DriverName(name string) (string, error) {
	return h.e.DriverName(name)
}

func (h *ethtoolHandle) Close() {
	h.e.Close()
}

// Open returns a backend for the named network namespace, or for the
// caller's namespace when nsName is empty.
func Open(nsName string, opts ...Option) (*Backend, error) {
	if nsName == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("failed to open netlink handle: %w", err)
		}
		et, err := ethtool.NewEthtool()
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to open ethtool handle: %w", err)
		}
		return New(&handleNetlinker{h: h}, &ethtoolHandle{e: et}, opts...), nil
	}

	ns, err := netns.GetFromName(nsName)
	if err != nil {
		return nil, fmt.Errorf("failed to open netns %s: %w", nsName, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle in netns %s: %w", nsName, err)
	}
	et, err := ethtoolIn(ns)
	if err != nil {
		h.Close()
		return nil, err
	}
	return New(&handleNetlinker{h: h}, &ethtoolHandle{e: et}, opts...), nil
}

// ethtoolIn opens an ethtool socket inside ns. The socket keeps the
// namespace it was created in after the thread switches back.
func ethtoolIn(ns netns.NsHandle) (*ethtool.Ethtool, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origns, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get original netns: %w", err)
	}
	defer origns.Close()

	if err := netns.Set(ns); err != nil {
		return nil, fmt.Errorf("failed to enter netns: %w", err)
	}
	et, etErr := ethtool.NewEthtool()
	if err := netns.Set(origns); err != nil {
		if etErr == nil {
			et.Close()
		}
		return nil, fmt.Errorf("failed to switch back to original netns: %w", err)
	}
	if etErr != nil {
		return nil, fmt.Errorf("failed to open ethtool handle: %w", etErr)
	}
	return et, nil
}
