package agent

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/identity"
	"github.com/dshills/dbgmodel/internal/model/path"
)

// DefaultBase is the initial numeric base for device displays.
const DefaultBase = 16

// AvailableDevices lists the targets the engine can attach to.
type AvailableDevices struct {
	m       *Model
	node    *model.Node
	devices *identity.Cache[string, Device]
}

// Device is one attachable target.
type Device struct {
	c    *AvailableDevices
	node *model.Node
	id   string

	// renderMu orders renders so a display built from an older base is
	// never written after one built from a newer base.
	renderMu sync.Mutex

	mu   sync.Mutex
	name string
	kind string
}

func newAvailableDevices(m *Model, base int) (*AvailableDevices, error) {
	if err := checkBase(base); err != nil {
		return nil, err
	}
	c := &AvailableDevices{m: m, devices: identity.New[string, Device]()}
	node, err := m.tree.NewNode(m.tree.Root(), path.Key(AttrAvailableDevices), SchemaAvailableDevices,
		model.WithObject(c),
		model.WithSource(model.SourceFuncs{Elements: c.fetchElements}),
		model.WithAttributes(map[string]any{AttrBase: base}),
	)
	if err != nil {
		return nil, err
	}
	c.node = node
	return c, nil
}

func checkBase(base int) error {
	if base < 2 || base > 36 {
		return fmt.Errorf("%w: Base must be between 2 and 36, got %d", ErrInvalidArgument, base)
	}
	return nil
}

// Node returns the container node.
func (c *AvailableDevices) Node() *model.Node { return c.node }

// Base returns the numeric base used for device ids.
func (c *AvailableDevices) Base() int {
	v, _ := c.node.GetCachedAttribute(AttrBase)
	if b, ok := v.(int); ok {
		return b
	}
	return DefaultBase
}

// Devices returns the devices in the tree.
func (c *AvailableDevices) Devices() []*Device {
	nodes := c.node.CachedElements()
	out := make([]*Device, 0, len(nodes))
	for _, n := range nodes {
		if d, ok := n.Object().(*Device); ok {
			out = append(out, d)
		}
	}
	return out
}

// Refresh re-enumerates devices.
func (c *AvailableDevices) Refresh(ctx context.Context) *future.Future[[]*model.Node] {
	return c.node.RequestElements(ctx, model.RefreshAlways)
}

// GetTargetAttachable returns the device with id, creating it if no live
// one exists. A created device is not added to the tree until the next
// enumeration lists it.
func (c *AvailableDevices) GetTargetAttachable(id string) *Device {
	return c.deviceFor(dbgmgr.DeviceInfo{ID: id, Name: id})
}

func (c *AvailableDevices) deviceFor(info dbgmgr.DeviceInfo) *Device {
	created := false
	d := c.devices.GetOrCreateLive(info.ID, deviceLive, func(id string) *Device {
		d := &Device{c: c, id: id, name: info.Name, kind: info.Type}
		node, err := c.m.tree.NewNode(c.node, path.Index(id), SchemaAvailableDevice,
			model.WithObject(d),
			model.WithAttributes(map[string]any{AttrID: id}),
		)
		if err != nil {
			c.m.logger.Error("cannot create device node", "device", id, "err", err)
			return nil
		}
		d.node = node
		created = true
		return d
	})
	if d != nil && created {
		d.render("created")
	}
	return d
}

func deviceLive(d *Device) bool { return !d.node.Removed() }

func (c *AvailableDevices) fetchElements(ctx context.Context, _ *model.Node) *future.Future[model.ElementUpdate] {
	list := gated(c.m, "list available devices", c.m.mgr.ListAvailableDevices(ctx))
	return future.Then(list, func(infos []dbgmgr.DeviceInfo) (model.ElementUpdate, error) {
		elems := make([]*model.Node, 0, len(infos))
		for _, info := range infos {
			d := c.deviceFor(info)
			if d == nil {
				continue
			}
			d.setInfo(info)
			elems = append(elems, d.node)
		}
		return model.ElementUpdate{Elements: elems, Reason: "refreshed"}, nil
	})
}

// WriteConfigurationOption sets a configuration attribute. Base must be an
// int and re-renders every device. Unknown keys are ignored.
func (c *AvailableDevices) WriteConfigurationOption(key string, value any) *future.Future[future.Void] {
	if key != AttrBase {
		return future.Nil()
	}
	base, ok := value.(int)
	if !ok {
		return future.Failed[future.Void](fmt.Errorf("%w: Base should be numeric", ErrInvalidArgument))
	}
	if err := checkBase(base); err != nil {
		return future.Failed[future.Void](err)
	}
	if err := c.node.ChangeAttributes(nil, map[string]any{AttrBase: base}, "modified"); err != nil {
		return future.Failed[future.Void](err)
	}
	for _, d := range c.devices.Values() {
		d.render("base changed")
	}
	return future.Nil()
}

// Node returns the device node.
func (d *Device) Node() *model.Node { return d.node }

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// Display returns the display string.
func (d *Device) Display() string { return d.node.Display() }

func (d *Device) setInfo(info dbgmgr.DeviceInfo) {
	d.mu.Lock()
	changed := d.name != info.Name || d.kind != info.Type
	d.name, d.kind = info.Name, info.Type
	d.mu.Unlock()
	if changed {
		d.render("refreshed")
	}
}

// render writes the display attributes. The base is read from the
// container on every call.
func (d *Device) render(reason string) {
	d.renderMu.Lock()
	defer d.renderMu.Unlock()
	base := d.c.Base()
	d.mu.Lock()
	attrs := map[string]any{
		AttrName:    d.name,
		AttrKind:    d.kind,
		AttrDisplay: fmt.Sprintf("[%s] %s", formatID(d.id, base), d.name),
	}
	d.mu.Unlock()
	if err := d.node.ChangeAttributes(nil, attrs, reason); err != nil {
		d.c.m.logger.Error("cannot update device", "device", d.id, "err", err)
	}
}

// formatID renders a numeric id in base; other ids are returned as is.
func formatID(id string, base int) string {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return id
	}
	switch base {
	case 10:
		return strconv.FormatInt(v, 10)
	case 16:
		return "0x" + strconv.FormatInt(v, 16)
	default:
		return strconv.FormatInt(v, base)
	}
}
