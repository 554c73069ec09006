//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-megacan/internal/can"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

// Device is a raw CAN_RAW socket bound to one interface.
type Device struct {
	fd int
}

// Open binds a raw socket to iface with classic frames only.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// Filters returns the acceptance filters for a node with the given MSQ id:
// every standard frame, and extended data frames whose to_id is msqID.
func Filters(msqID uint8) []unix.CanFilter {
	bits, mask := msproto.ToIDMask(msqID)
	return []unix.CanFilter{
		{Id: 0, Mask: unix.CAN_EFF_FLAG},
		{Id: unix.CAN_EFF_FLAG | bits, Mask: unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG | mask},
	}
}

// SetDeviceFilter installs Filters(msqID) so the kernel drops traffic for
// other nodes.
func (d *Device) SetDeviceFilter(msqID uint8) error {
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, Filters(msqID)); err != nil {
		return fmt.Errorf("set CAN_RAW_FILTER: %w", err)
	}
	return nil
}

// ReadFrame reads one classic CAN frame from the raw CAN socket.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}

	// struct can_frame: can_id u32 (host order, with flags), dlc u8, pad[3], data[8]
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	fr.Len = min(buf[4], can.MaxDataLen)
	fr.Data = [can.MaxDataLen]byte{}
	copy(fr.Data[:], buf[8:8+fr.Len])
	return nil
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	p := fr.Payload()
	buf[4] = byte(len(p))
	copy(buf[8:], p)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
