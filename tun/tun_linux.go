//go:build linux

package tun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/muhtutorials/abstracttun/rwcancel"
	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
)

var (
	_ Device     = (*NativeTun)(nil)
	_ Configurer = (*NativeTun)(nil)
)

// NativeTun is a Linux TUN device opened without IFF_VNET_HDR. Every read
// and write carries exactly one IP packet.
type NativeTun struct {
	tunFile                 *os.File
	index                   int32      // if index
	errors                  chan error // async error handling
	events                  chan Event // device related events
	netlinkSock             int
	netlinkCancel           *rwcancel.RWCancel
	statusListenersShutdown chan struct{}

	closeOnce sync.Once

	nameOnce  sync.Once // guards calling initNameCache, which sets following fields
	nameCache string    // name of interface
	nameErr   error

	readMu  sync.Mutex
	writeMu sync.Mutex
}

func (tun *NativeTun) File() *os.File {
	return tun.tunFile
}

func createNetlinkSocket() (int, error) {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return -1, err
	}
	saddr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	}
	err = unix.Bind(sock, saddr)
	if err != nil {
		unix.Close(sock)
		return -1, err
	}
	return sock, nil
}

// routineNetlinkListener turns RTM_NEWLINK messages for our interface into
// Events until the device is closed.
func (tun *NativeTun) routineNetlinkListener() {
	defer func() {
		unix.Close(tun.netlinkSock)
		close(tun.events)
		tun.netlinkCancel.Close()
	}()

	wasEverUp := false
	for msg := make([]byte, 1<<16); ; {
		var err error
		var msgn int
		for {
			msgn, _, _, _, err = unix.Recvmsg(tun.netlinkSock, msg[:], nil, 0)
			if err == nil || !rwcancel.RetryAfterError(err) {
				break
			}
			if !tun.netlinkCancel.ReadyRead() {
				tun.errors <- fmt.Errorf("netlink socket closed: %w", err)
				return
			}
		}
		if err != nil {
			tun.errors <- fmt.Errorf("failed to receive netlink message: %w", err)
			return
		}

		select {
		case <-tun.statusListenersShutdown:
			return
		default:
		}

		for remain := msg[:msgn]; len(remain) >= unix.SizeofNlMsghdr; {
			hdr := *(*unix.NlMsghdr)(unsafe.Pointer(&remain[0]))
			if int(hdr.Len) > len(remain) || hdr.Len < unix.SizeofNlMsghdr {
				break
			}
			switch hdr.Type {
			case unix.NLMSG_DONE:
				remain = []byte{}

			case unix.RTM_NEWLINK:
				if int(hdr.Len) < unix.SizeofNlMsghdr+unix.SizeofIfInfomsg {
					remain = remain[hdr.Len:]
					continue
				}
				info := *(*unix.IfInfomsg)(unsafe.Pointer(&remain[unix.SizeofNlMsghdr]))
				remain = remain[hdr.Len:]
				if info.Index != tun.index {
					// not our interface
					continue
				}
				if info.Flags&unix.IFF_RUNNING != 0 {
					tun.sendEvent(EventUp)
					wasEverUp = true
				}
				if info.Flags&unix.IFF_RUNNING == 0 {
					// Don't emit EventDown before we've ever emitted EventUp.
					if wasEverUp {
						tun.sendEvent(EventDown)
					}
				}
				tun.sendEvent(EventMTUUpdate)

			default:
				remain = remain[hdr.Len:]
			}
		}
	}
}

func (tun *NativeTun) sendEvent(e Event) {
	select {
	case tun.events <- e:
	case <-tun.statusListenersShutdown:
	}
}

// ioctlInet runs an interface ioctl on a throwaway AF_INET socket.
func ioctlInet(req uint, ifr *unix.Ifreq) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.IoctlIfreq(fd, req, ifr)
}

func getIFIndex(name string) (int32, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := ioctlInet(unix.SIOCGIFINDEX, ifr); err != nil {
		return 0, err
	}
	return int32(ifr.Uint32()), nil
}

func (tun *NativeTun) setMTU(n int) error {
	name, err := tun.Name()
	if err != nil {
		return err
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	ifr.SetUint32(uint32(n))
	if err := ioctlInet(unix.SIOCSIFMTU, ifr); err != nil {
		return fmt.Errorf("failed to set MTU of TUN device: %w", err)
	}
	return nil
}

func (tun *NativeTun) MTU() (int, error) {
	name, err := tun.Name()
	if err != nil {
		return 0, err
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := ioctlInet(unix.SIOCGIFMTU, ifr); err != nil {
		return 0, fmt.Errorf("failed to get MTU of TUN device: %w", err)
	}
	return int(int32(ifr.Uint32())), nil
}

func (tun *NativeTun) Name() (string, error) {
	tun.nameOnce.Do(tun.initNameCache)
	return tun.nameCache, tun.nameErr
}

func (tun *NativeTun) initNameCache() {
	tun.nameCache, tun.nameErr = tun.nameSlow()
}

func (tun *NativeTun) nameSlow() (string, error) {
	sysconn, err := tun.tunFile.SyscallConn()
	if err != nil {
		return "", err
	}
	var ifr [ifReqSize]byte
	var errno syscall.Errno
	err = sysconn.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(
			unix.SYS_IOCTL,
			fd,
			uintptr(unix.TUNGETIFF),
			uintptr(unsafe.Pointer(&ifr[0])),
		)
	})
	if err != nil {
		return "", fmt.Errorf("failed to get name of TUN device: %w", err)
	}
	if errno != 0 {
		return "", fmt.Errorf("failed to get name of TUN device: %w", errno)
	}
	return unix.ByteSliceToString(ifr[:]), nil
}

// SetUp sets IFF_UP on the interface.
func (tun *NativeTun) SetUp() error {
	name, err := tun.Name()
	if err != nil {
		return err
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	if err := ioctlInet(unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("failed to get flags of TUN device: %w", err)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP)
	if err := ioctlInet(unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("failed to bring TUN device up: %w", err)
	}
	return nil
}

// AddAddress assigns prefix to the interface with an RTM_NEWADDR request.
func (tun *NativeTun) AddAddress(prefix netip.Prefix) error {
	if !prefix.IsValid() {
		return fmt.Errorf("invalid interface address %v", prefix)
	}
	addr := prefix.Addr().Unmap()
	family, raw := uint8(unix.AF_INET6), addr.AsSlice()
	if addr.Is4() {
		family = unix.AF_INET
	}
	msg := newAddrRequest(tun.index, family, uint8(prefix.Bits()), raw)

	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return err
	}
	defer unix.Close(sock)
	if err := unix.Sendto(sock, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("failed to send address request: %w", err)
	}
	ack := make([]byte, 1<<12)
	n, _, err := unix.Recvfrom(sock, ack, 0)
	if err != nil {
		return fmt.Errorf("failed to receive address ack: %w", err)
	}
	return parseAck(ack[:n])
}

func rtaAlign(n int) int {
	return (n + unix.RTA_ALIGNTO - 1) &^ (unix.RTA_ALIGNTO - 1)
}

// newAddrRequest builds nlmsghdr + ifaddrmsg + IFA_LOCAL + IFA_ADDRESS.
func newAddrRequest(index int32, family, bits uint8, addr []byte) []byte {
	attrLen := rtaAlign(unix.SizeofRtAttr + len(addr))
	total := unix.SizeofNlMsghdr + unix.SizeofIfAddrmsg + 2*attrLen
	msg := make([]byte, total)
	ne := binary.NativeEndian

	ne.PutUint32(msg[0:], uint32(total))
	ne.PutUint16(msg[4:], unix.RTM_NEWADDR)
	ne.PutUint16(msg[6:], unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL)
	ne.PutUint32(msg[8:], 1) // seq

	ifa := msg[unix.SizeofNlMsghdr:]
	ifa[0] = family
	ifa[1] = bits
	ne.PutUint32(ifa[4:], uint32(index))

	attrs := ifa[unix.SizeofIfAddrmsg:]
	for i, typ := range []uint16{unix.IFA_LOCAL, unix.IFA_ADDRESS} {
		a := attrs[i*attrLen:]
		ne.PutUint16(a[0:], uint16(unix.SizeofRtAttr+len(addr)))
		ne.PutUint16(a[2:], typ)
		copy(a[unix.SizeofRtAttr:], addr)
	}
	return msg
}

func parseAck(b []byte) error {
	if len(b) < unix.SizeofNlMsghdr+4 {
		return errors.New("short netlink ack")
	}
	ne := binary.NativeEndian
	if ne.Uint16(b[4:]) != unix.NLMSG_ERROR {
		return fmt.Errorf("unexpected netlink message type %d", ne.Uint16(b[4:]))
	}
	if code := int32(ne.Uint32(b[unix.SizeofNlMsghdr:])); code != 0 {
		return fmt.Errorf("failed to add address: %w", syscall.Errno(-code))
	}
	return nil
}

func (tun *NativeTun) Write(bufs [][]byte, offset int) (int, error) {
	tun.writeMu.Lock()
	defer tun.writeMu.Unlock()
	var (
		errs  error
		total int
	)
	for _, buf := range bufs {
		if len(buf) <= offset {
			continue
		}
		n, err := tun.tunFile.Write(buf[offset:])
		if errors.Is(err, syscall.EBADFD) {
			return total, os.ErrClosed
		}
		if err != nil {
			errs = errors.Join(errs, err)
		} else {
			total += n
		}
	}
	return total, errs
}

func (tun *NativeTun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	tun.readMu.Lock()
	defer tun.readMu.Unlock()
	select {
	case err := <-tun.errors:
		return 0, err
	default:
		n, err := tun.tunFile.Read(bufs[0][offset:])
		if errors.Is(err, syscall.EBADFD) {
			err = os.ErrClosed
		}
		if err != nil {
			return 0, err
		}
		sizes[0] = n
		return 1, nil
	}
}

func (tun *NativeTun) Events() <-chan Event {
	return tun.events
}

func (tun *NativeTun) Close() error {
	var err1, err2 error
	tun.closeOnce.Do(func() {
		if tun.statusListenersShutdown != nil {
			close(tun.statusListenersShutdown)
			if tun.netlinkCancel != nil {
				err1 = tun.netlinkCancel.Cancel()
			}
		} else if tun.events != nil {
			close(tun.events)
		}
		err2 = tun.tunFile.Close()
	})
	if err1 != nil {
		return err1
	}
	return err2
}

func (tun *NativeTun) BatchSize() int {
	return 1
}

// CreateTUN creates a Device with the provided name and MTU.
func CreateTUN(name string, mtu int) (Device, error) {
	nfd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("CreateTUN(%q) failed; %s does not exist", name, cloneDevicePath)
		}
		return nil, err
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(nfd, unix.TUNSETIFF, ifr)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}

	err = unix.SetNonblock(nfd, true)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}

	// Note that the above -- open,ioctl,nonblock -- must happen prior to handing it to netpoll as below this line.

	fd := os.NewFile(uintptr(nfd), cloneDevicePath)
	return CreateTUNFromFile(fd, mtu)
}

// CreateTUNFromFile creates a Device from an os.File with the provided MTU.
func CreateTUNFromFile(file *os.File, mtu int) (Device, error) {
	tun := &NativeTun{
		tunFile:                 file,
		events:                  make(chan Event, 5),
		errors:                  make(chan error, 5),
		statusListenersShutdown: make(chan struct{}),
	}

	name, err := tun.Name()
	if err != nil {
		return nil, err
	}

	// start event listener
	tun.index, err = getIFIndex(name)
	if err != nil {
		return nil, err
	}

	tun.netlinkSock, err = createNetlinkSocket()
	if err != nil {
		return nil, err
	}
	tun.netlinkCancel, err = rwcancel.NewRWCancel(tun.netlinkSock)
	if err != nil {
		unix.Close(tun.netlinkSock)
		return nil, err
	}

	if mtu > 0 {
		if err := tun.setMTU(mtu); err != nil {
			tun.netlinkCancel.Close()
			unix.Close(tun.netlinkSock)
			return nil, err
		}
	}

	go tun.routineNetlinkListener()
	return tun, nil
}
