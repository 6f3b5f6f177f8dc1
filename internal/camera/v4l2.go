//go:build linux

package camera

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2 constants for MJPEG streaming capture.
const (
	v4l2BufTypeVideoCapture = 1
	v4l2PixFmtMJPEG         = 0x47504a4d // 'MJPG'
	v4l2FieldNone           = 1
	v4l2MemoryMmap          = 1

	vidiocSFmt      = 0xc0cc5605
	vidiocReqbufs   = 0xc0145608
	vidiocQuerybuf  = 0xc0445609
	vidiocStreamon  = 0x40045612
	vidiocStreamoff = 0x40045613
	vidiocQbuf      = 0xc044560f
	vidiocDqbuf     = 0xc0445611
	vidiocSParm     = 0xc0cc5616

	v4l2CapTimeperframe = 0x1000
)

type v4l2PixFormat struct {
	typ          uint32
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
}

type v4l2Fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2CaptureParm struct {
	capability   uint32
	capturemode  uint32
	timeperframe v4l2Fract
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

type v4l2StreamParm struct {
	typ  uint32
	parm v4l2CaptureParm
	pad  [160]byte // union padded to the kernel's 200-byte raw_data
}

type v4l2Requestbuffers struct {
	count    uint32
	typ      uint32
	memory   uint32
	reserved [2]uint32
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Timeval struct {
	sec  uint32
	usec uint32
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp v4l2Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	offset    uint32
	length    uint32
	reserved2 uint32
	reserved  uint32
}

// DeviceConfig configures a V4L2 capture device.
type DeviceConfig struct {
	Width        int
	Height       int
	FPS          int
	WarmupFrames int // reads discarded after stream-on, default 10
}

// Device is a V4L2 MJPEG camera. It satisfies Source. Close is safe to call
// multiple times; an in-progress Read completes before the device releases.
type Device struct {
	path   string
	cfg    DeviceConfig
	logger *slog.Logger

	mu     sync.Mutex
	fd     int
	data   []byte // mmapped driver buffer
	seq    uint64
	closed bool

	frames    chan Frame
	framesOne sync.Once
	done      chan struct{} // closed by Close, unblocks the Frames producer
	meter     *FPSMeter
}

// OpenDevice acquires the device node, configures the MJPEG format, maps the
// driver buffer, starts streaming, and runs a short warm-up read sequence
// before declaring itself ready.
func OpenDevice(path string, cfg DeviceConfig, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Width == 0 {
		cfg.Width = 640
	}
	if cfg.Height == 0 {
		cfg.Height = 480
	}
	if cfg.WarmupFrames == 0 {
		cfg.WarmupFrames = 10
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrDeviceUnavailable, path, err)
	}

	d := &Device{
		path:   path,
		cfg:    cfg,
		logger: logger,
		fd:     fd,
		done:   make(chan struct{}),
		meter:  NewFPSMeter(),
	}
	if err := d.start(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// Warm-up: the first reads after stream-on carry stale exposure and
	// focus; discard them before the device is handed to callers.
	for i := 0; i < cfg.WarmupFrames; i++ {
		if _, err := d.Read(); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: warm-up read %d: %v", ErrDeviceUnavailable, i, err)
		}
	}
	d.seq = 0

	logger.Info("camera ready", "device", path,
		"width", cfg.Width, "height", cfg.Height, "warmup_frames", cfg.WarmupFrames)
	return d, nil
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *Device) start() error {
	format := v4l2PixFormat{
		typ:         v4l2BufTypeVideoCapture,
		width:       uint32(d.cfg.Width),
		height:      uint32(d.cfg.Height),
		pixelformat: v4l2PixFmtMJPEG,
		field:       v4l2FieldNone,
	}
	if err := d.ioctl(vidiocSFmt, unsafe.Pointer(&format)); err != nil {
		return fmt.Errorf("%w: setting format: %v", ErrDeviceUnavailable, err)
	}

	if d.cfg.FPS > 0 {
		parm := v4l2StreamParm{typ: v4l2BufTypeVideoCapture}
		parm.parm.capability = v4l2CapTimeperframe
		parm.parm.timeperframe = v4l2Fract{numerator: 1, denominator: uint32(d.cfg.FPS)}
		if err := d.ioctl(vidiocSParm, unsafe.Pointer(&parm)); err != nil {
			// Not every driver honors frame-interval requests.
			d.logger.Warn("setting frame rate failed, keeping driver default",
				"device", d.path, "fps", d.cfg.FPS, "error", err)
		} else if tpf := parm.parm.timeperframe; tpf.numerator > 0 &&
			int(tpf.denominator/tpf.numerator) != d.cfg.FPS {
			d.logger.Info("driver adjusted frame rate",
				"device", d.path, "requested_fps", d.cfg.FPS,
				"granted_fps", tpf.denominator/tpf.numerator)
		}
	}

	req := v4l2Requestbuffers{
		count:  1,
		typ:    v4l2BufTypeVideoCapture,
		memory: v4l2MemoryMmap,
	}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%w: requesting buffers: %v", ErrDeviceUnavailable, err)
	}

	buf := v4l2Buffer{
		typ:    v4l2BufTypeVideoCapture,
		memory: v4l2MemoryMmap,
	}
	if err := d.ioctl(vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("%w: querying buffer: %v", ErrDeviceUnavailable, err)
	}

	data, err := unix.Mmap(d.fd, int64(buf.offset), int(buf.length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mapping buffer: %v", ErrDeviceUnavailable, err)
	}
	d.data = data

	if err := d.ioctl(vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("%w: queueing buffer: %v", ErrDeviceUnavailable, err)
	}

	typ := uint32(v4l2BufTypeVideoCapture)
	if err := d.ioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("%w: starting stream: %v", ErrDeviceUnavailable, err)
	}
	return nil
}

// Read blocks until the next frame is available and returns a copy of it.
func (d *Device) Read() (Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Frame{}, ErrClosed
	}

	fds := unix.FdSet{}
	fds.Set(d.fd)
	if _, err := unix.Select(d.fd+1, &fds, nil, nil, nil); err != nil {
		return Frame{}, fmt.Errorf("waiting for frame: %w", err)
	}

	buf := v4l2Buffer{
		typ:    v4l2BufTypeVideoCapture,
		memory: v4l2MemoryMmap,
	}
	if err := d.ioctl(vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
		return Frame{}, fmt.Errorf("dequeueing frame: %w", err)
	}

	image := make([]byte, buf.bytesused)
	copy(image, d.data[:buf.bytesused])

	if err := d.ioctl(vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return Frame{}, fmt.Errorf("requeueing frame: %w", err)
	}

	d.seq++
	d.meter.Tick()
	return Frame{
		Seq:       d.seq,
		Timestamp: time.Now(),
		Width:     d.cfg.Width,
		Height:    d.cfg.Height,
		Data:      image,
	}, nil
}

// Frames yields frames until Close or a read failure, then the channel
// closes. Not restartable.
func (d *Device) Frames() <-chan Frame {
	d.framesOne.Do(func() {
		d.frames = make(chan Frame)
		go func() {
			defer close(d.frames)
			for {
				frame, err := d.Read()
				if err != nil {
					if err != ErrClosed {
						d.logger.Warn("frame read failed, stopping", "error", err)
					}
					return
				}
				select {
				case d.frames <- frame:
				case <-d.done:
					// Consumer stopped reading before Close drained us.
					return
				}
			}
		}()
	})
	return d.frames
}

// ActualFPS returns the measured capture rate.
func (d *Device) ActualFPS() float64 { return d.meter.FPS() }

// Close stops streaming and releases the device. Idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)

	typ := uint32(v4l2BufTypeVideoCapture)
	if err := d.ioctl(vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		d.logger.Warn("stream-off failed", "device", d.path, "error", err)
	}
	if d.data != nil {
		if err := unix.Munmap(d.data); err != nil {
			d.logger.Warn("unmap failed", "device", d.path, "error", err)
		}
		d.data = nil
	}
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("closing device: %w", err)
	}
	return nil
}

// ListDevices probes /dev/video0..N-1 and returns the paths that can be
// opened.
func ListDevices(max int) []string {
	var available []string
	for i := 0; i < max; i++ {
		path := fmt.Sprintf("/dev/video%d", i)
		fd, err := unix.Open(path, unix.O_RDWR, 0o666)
		if err != nil {
			continue
		}
		unix.Close(fd)
		available = append(available, path)
	}
	return available
}
