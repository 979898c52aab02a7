package driver

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/fxnlabs/clhost/internal/metrics"
	"go.uber.org/zap"
)

// SoftDriverName is the registry name of the software device.
const SoftDriverName = "soft"

func init() {
	Register(SoftDriverName, func(cfg Config, logger *zap.Logger) (Driver, error) {
		return NewSoftDriver(cfg.Soft, logger)
	})
}

// SoftConfig configures the software device.
type SoftConfig struct {
	// Platforms to expose. Empty uses DefaultSoftPlatforms.
	Platforms []PlatformSpec `yaml:"platforms"`
	// CallbackWorkers is the number of driver goroutines that deliver
	// completion callbacks. Zero means 2.
	CallbackWorkers int `yaml:"callbackWorkers"`
	// RejectLateCallbacks makes SetEventCallback fail with ErrEventTerminal
	// for events that already completed instead of firing immediately.
	RejectLateCallbacks bool `yaml:"rejectLateCallbacks"`
}

// PlatformSpec declares one software platform.
type PlatformSpec struct {
	Name    string       `yaml:"name"`
	Vendor  string       `yaml:"vendor"`
	Devices []DeviceSpec `yaml:"devices"`
}

// DeviceSpec declares one software device.
type DeviceSpec struct {
	Name           string     `yaml:"name"`
	Type           DeviceType `yaml:"type"`
	ComputeUnits   int        `yaml:"computeUnits"`
	GlobalMemBytes int64      `yaml:"globalMemBytes"`
}

// DefaultSoftPlatforms is one platform with two GPU-class devices and one
// CPU-class device.
func DefaultSoftPlatforms() []PlatformSpec {
	return []PlatformSpec{{
		Name:   "clhost software platform",
		Vendor: "fxnlabs",
		Devices: []DeviceSpec{
			{Name: "soft-gpu-0", Type: DeviceTypeGPU, ComputeUnits: 8, GlobalMemBytes: 1 << 30},
			{Name: "soft-gpu-1", Type: DeviceTypeGPU, ComputeUnits: 8, GlobalMemBytes: 1 << 30},
			{Name: "soft-cpu-0", Type: DeviceTypeCPU, ComputeUnits: runtime.NumCPU(), GlobalMemBytes: 1 << 30},
		},
	}}
}

type softPlatform struct {
	id      PlatformID
	info    PlatformInfo
	devices []*softDevice
}

type softDevice struct {
	id   DeviceID
	info DeviceInfo
}

type softContext struct {
	devices []*softDevice
}

func (c *softContext) hasDevice(id DeviceID) (*softDevice, bool) {
	for _, d := range c.devices {
		if d.id == id {
			return d, true
		}
	}
	return nil, false
}

type softObject struct {
	kind  ObjectKind
	refs  int
	value any
}

// SoftDriver is a Driver that executes commands on the host CPU. Each
// in-order queue runs its commands on a dedicated goroutine, out-of-order
// queues run each command on its own goroutine once its wait list is
// terminal, and completion callbacks are delivered by a separate pool of
// dispatcher goroutines.
type SoftDriver struct {
	logger     *zap.Logger
	rejectLate bool
	platforms  []*softPlatform
	devices    map[DeviceID]*softDevice
	dispatcher *dispatcher

	libraryMu sync.RWMutex
	library   map[string]LibraryKernel

	mu         sync.Mutex
	nextHandle uintptr
	objects    map[uintptr]*softObject
	closed     bool
}

// NewSoftDriver creates a software device driver.
func NewSoftDriver(cfg SoftConfig, logger *zap.Logger) (*SoftDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	specs := cfg.Platforms
	if len(specs) == 0 {
		specs = DefaultSoftPlatforms()
	}
	workers := cfg.CallbackWorkers
	if workers <= 0 {
		workers = 2
	}

	d := &SoftDriver{
		logger:     logger.Named("soft"),
		rejectLate: cfg.RejectLateCallbacks,
		devices:    make(map[DeviceID]*softDevice),
		library:    builtinKernels(),
		nextHandle: 0x1000,
		objects:    make(map[uintptr]*softObject),
	}

	for _, ps := range specs {
		p := &softPlatform{
			id:   PlatformID(d.allocHandle()),
			info: PlatformInfo{Name: ps.Name, Vendor: ps.Vendor, Version: "clhost-soft 1.2"},
		}
		for _, ds := range ps.Devices {
			if ds.ComputeUnits <= 0 {
				return nil, fmt.Errorf("%w: device %q needs at least one compute unit", ErrInvalidValue, ds.Name)
			}
			if ds.Type == 0 {
				ds.Type = DeviceTypeGPU
			}
			dev := &softDevice{
				id: DeviceID(d.allocHandle()),
				info: DeviceInfo{
					Name:           ds.Name,
					Vendor:         ps.Vendor,
					Version:        "clhost-soft 1.2",
					Type:           ds.Type,
					ComputeUnits:   ds.ComputeUnits,
					GlobalMemBytes: ds.GlobalMemBytes,
					Platform:       p.id,
				},
			}
			p.devices = append(p.devices, dev)
			d.devices[dev.id] = dev
		}
		d.platforms = append(d.platforms, p)
	}

	d.dispatcher = newDispatcher(workers, d.logger)
	d.logger.Debug("software device ready",
		zap.Int("platforms", len(d.platforms)),
		zap.Int("devices", len(d.devices)),
		zap.Int("callback_workers", workers))
	return d, nil
}

// Name implements Driver.
func (d *SoftDriver) Name() string { return SoftDriverName }

// RegisterKernel adds a kernel implementation to the device library. Programs
// built afterwards may declare kernels with this name.
func (d *SoftDriver) RegisterKernel(name string, k LibraryKernel) {
	d.libraryMu.Lock()
	defer d.libraryMu.Unlock()
	d.library[name] = k
}

func (d *SoftDriver) libraryKernel(name string) (LibraryKernel, bool) {
	d.libraryMu.RLock()
	defer d.libraryMu.RUnlock()
	k, ok := d.library[name]
	return k, ok
}

func (d *SoftDriver) allocHandle() uintptr {
	h := d.nextHandle
	d.nextHandle += 0x10
	return h
}

func (d *SoftDriver) newObject(kind ObjectKind, value any) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDriverClosed
	}
	h := d.allocHandle()
	d.objects[h] = &softObject{kind: kind, refs: 1, value: value}
	metrics.LiveObjects.WithLabelValues(kind.String()).Inc()
	return h, nil
}

func (d *SoftDriver) lookup(kind ObjectKind, h uintptr) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[h]
	if !ok || obj.kind != kind {
		return nil, fmt.Errorf("%w: %#x", invalidHandleError(kind), h)
	}
	return obj.value, nil
}

func lookupAs[T any](d *SoftDriver, kind ObjectKind, h uintptr) (T, error) {
	v, err := d.lookup(kind, h)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Retain implements Driver.
func (d *SoftDriver) Retain(kind ObjectKind, h uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[h]
	if !ok || obj.kind != kind {
		return fmt.Errorf("%w: %#x", invalidHandleError(kind), h)
	}
	obj.refs++
	return nil
}

// Release implements Driver. The object is destroyed when its reference
// count reaches zero; commands already in flight are unaffected.
func (d *SoftDriver) Release(kind ObjectKind, h uintptr) error {
	d.mu.Lock()
	obj, ok := d.objects[h]
	if !ok || obj.kind != kind {
		d.mu.Unlock()
		return fmt.Errorf("%w: %#x", invalidHandleError(kind), h)
	}
	obj.refs--
	if obj.refs > 0 {
		d.mu.Unlock()
		return nil
	}
	delete(d.objects, h)
	d.mu.Unlock()

	metrics.LiveObjects.WithLabelValues(kind.String()).Dec()
	if q, ok := obj.value.(*softQueue); ok {
		q.stop()
	}
	d.logger.Debug("object destroyed", zap.Stringer("kind", kind), zap.Uintptr("handle", h))
	return nil
}

// ReferenceCount implements Driver.
func (d *SoftDriver) ReferenceCount(kind ObjectKind, h uintptr) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[h]
	if !ok || obj.kind != kind {
		return 0, fmt.Errorf("%w: %#x", invalidHandleError(kind), h)
	}
	return obj.refs, nil
}

// LiveObjects counts the objects of kind that have not been destroyed.
func (d *SoftDriver) LiveObjects(kind ObjectKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, obj := range d.objects {
		if obj.kind == kind {
			n++
		}
	}
	return n
}

// Close drains every live queue, stops the callback dispatcher and rejects
// further object creation.
func (d *SoftDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var queues []*softQueue
	for _, obj := range d.objects {
		if q, ok := obj.value.(*softQueue); ok {
			queues = append(queues, q)
		}
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.finish()
		q.stop()
	}
	d.dispatcher.close()
	d.logger.Debug("software device closed", zap.Int("queues_drained", len(queues)))
	return nil
}

// Platforms implements Driver.
func (d *SoftDriver) Platforms() ([]PlatformID, error) {
	ids := make([]PlatformID, len(d.platforms))
	for i, p := range d.platforms {
		ids[i] = p.id
	}
	return ids, nil
}

func (d *SoftDriver) platform(id PlatformID) (*softPlatform, error) {
	for _, p := range d.platforms {
		if p.id == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %#x", ErrInvalidPlatform, uintptr(id))
}

// PlatformInfo implements Driver.
func (d *SoftDriver) PlatformInfo(id PlatformID) (PlatformInfo, error) {
	p, err := d.platform(id)
	if err != nil {
		return PlatformInfo{}, err
	}
	return p.info, nil
}

// Devices implements Driver. DeviceTypeDefault selects the first device of
// the platform.
func (d *SoftDriver) Devices(id PlatformID, t DeviceType) ([]DeviceID, error) {
	p, err := d.platform(id)
	if err != nil {
		return nil, err
	}

	var ids []DeviceID
	for _, dev := range p.devices {
		if t == DeviceTypeAll || dev.info.Type&t != 0 || (t == DeviceTypeDefault && len(ids) == 0) {
			ids = append(ids, dev.id)
		}
		if t == DeviceTypeDefault && len(ids) == 1 {
			break
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no %s device on platform %q", ErrDeviceNotFound, t, p.info.Name)
	}
	return ids, nil
}

// DeviceInfo implements Driver.
func (d *SoftDriver) DeviceInfo(id DeviceID) (DeviceInfo, error) {
	dev, ok := d.devices[id]
	if !ok {
		return DeviceInfo{}, fmt.Errorf("%w: %#x", ErrInvalidDevice, uintptr(id))
	}
	return dev.info, nil
}

// CreateContext implements Driver. All devices must belong to one platform.
func (d *SoftDriver) CreateContext(devices []DeviceID) (ContextHandle, error) {
	if len(devices) == 0 {
		return 0, fmt.Errorf("%w: empty device list", ErrInvalidValue)
	}
	ctx := &softContext{}
	for _, id := range devices {
		dev, ok := d.devices[id]
		if !ok {
			return 0, fmt.Errorf("%w: %#x", ErrInvalidDevice, uintptr(id))
		}
		if len(ctx.devices) > 0 && ctx.devices[0].info.Platform != dev.info.Platform {
			return 0, fmt.Errorf("%w: devices span platforms", ErrInvalidDevice)
		}
		if _, dup := ctx.hasDevice(id); dup {
			continue
		}
		ctx.devices = append(ctx.devices, dev)
	}
	h, err := d.newObject(KindContext, ctx)
	return ContextHandle(h), err
}
