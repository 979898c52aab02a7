package driver

import (
	"fmt"
)

type softMem struct {
	ctx  *softContext
	data []byte
}

// allocBytes returns a zeroed byte slice aligned for every ElemKind.
func allocBytes(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	words := make([]uint64, (size+7)/8)
	return Bytes(words)[:size]
}

// CreateBuffer implements Driver.
func (d *SoftDriver) CreateBuffer(ctxh ContextHandle, size int) (MemHandle, error) {
	ctx, err := lookupAs[*softContext](d, KindContext, uintptr(ctxh))
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBufferSize, size)
	}
	for _, dev := range ctx.devices {
		if dev.info.GlobalMemBytes > 0 && int64(size) > dev.info.GlobalMemBytes {
			return 0, fmt.Errorf("%w: %d bytes exceeds %s memory", ErrInvalidBufferSize, size, dev.info.Name)
		}
	}
	h, err := d.newObject(KindMem, &softMem{ctx: ctx, data: allocBytes(size)})
	return MemHandle(h), err
}

func (d *SoftDriver) transferTarget(qh QueueHandle, mh MemHandle, offset, n int) (*softQueue, *softMem, error) {
	q, err := lookupAs[*softQueue](d, KindQueue, uintptr(qh))
	if err != nil {
		return nil, nil, err
	}
	m, err := lookupAs[*softMem](d, KindMem, uintptr(mh))
	if err != nil {
		return nil, nil, err
	}
	if err := q.checkContext(m); err != nil {
		return nil, nil, err
	}
	if offset < 0 || offset+n > len(m.data) {
		return nil, nil, fmt.Errorf("%w: range [%d, %d) outside buffer of %d bytes", ErrInvalidValue, offset, offset+n, len(m.data))
	}
	return q, m, nil
}

// EnqueueWriteBuffer implements Driver.
func (d *SoftDriver) EnqueueWriteBuffer(qh QueueHandle, mh MemHandle, offset int, src []byte, wait []EventHandle) (EventHandle, error) {
	q, m, err := d.transferTarget(qh, mh, offset, len(src))
	if err != nil {
		return 0, err
	}
	return d.enqueue(q, "write_buffer", wait, nil, func() error {
		copy(m.data[offset:], src)
		return nil
	})
}

// EnqueueReadBuffer implements Driver.
func (d *SoftDriver) EnqueueReadBuffer(qh QueueHandle, mh MemHandle, offset int, dst []byte, wait []EventHandle) (EventHandle, error) {
	q, m, err := d.transferTarget(qh, mh, offset, len(dst))
	if err != nil {
		return 0, err
	}
	return d.enqueue(q, "read_buffer", wait, nil, func() error {
		copy(dst, m.data[offset:])
		return nil
	})
}
