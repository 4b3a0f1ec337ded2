package kernel

import (
	"github.com/vishvananda/netlink"
)

// Netlinker abstracts the netlink calls the backend makes so that they can
// be mocked in tests. The real implementation is bound to one network
// namespace.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	LinkSetMTU(link netlink.Link, mtu int) error
	LinkSetHardwareAddr(link netlink.Link, addr string) error
	LinkSetMaster(link, master netlink.Link) error
	LinkSetNoMaster(link netlink.Link) error
	VethPeerIndex(link *netlink.Veth) (int, error)

	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error

	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error

	Close()
}

// Ethtooler abstracts the ethtool ioctl calls used for offload features.
type Ethtooler interface {
	Features(name string) (map[string]bool, error)
	Change(name string, features map[string]bool) error
	DriverName(name string) (string, error)
	Close()
}
