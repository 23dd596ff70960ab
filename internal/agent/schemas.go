package agent

import "github.com/dshills/dbgmodel/internal/model/schema"

// Schema names.
const (
	SchemaRoot                = "Root"
	SchemaBreakpointContainer = "BreakpointContainer"
	SchemaBreakpointSpec      = "BreakpointSpec"
	SchemaProcessContainer    = "ProcessContainer"
	SchemaProcess             = "Process"
	SchemaThreadContainer     = "ThreadContainer"
	SchemaThread              = "Thread"
	SchemaAvailableDevices    = "AvailableDevicesContainer"
	SchemaAvailableDevice     = "AvailableDevice"
)

// Attribute names.
const (
	AttrFocus       = "_focus"
	AttrDisplay     = "_display"
	AttrSpec        = "_spec"
	AttrEventThread = "_event_thread"

	AttrID          = "Id"
	AttrType        = "Type"
	AttrDisposition = "Disposition"
	AttrPending     = "Pending"
	AttrTimes       = "Times"
	AttrAccess      = "Access"
	AttrExpression  = "Expression"
	AttrKinds       = "Kinds"
	AttrEnabled     = "Enabled"
	AttrRange       = "Range"

	AttrBase  = "Base"
	AttrName  = "Name"
	AttrPID   = "PID"
	AttrTID   = "TID"
	AttrState = "State"
	AttrKind  = "Kind"

	AttrBreakpoints      = "Breakpoints"
	AttrProcesses        = "Processes"
	AttrThreads          = "Threads"
	AttrAvailableDevices = "AvailableDevices"
)

func attr(kind schema.ValueKind) schema.AttributeType {
	return schema.AttributeType{Kind: kind}
}

func hidden(kind schema.ValueKind) schema.AttributeType {
	return schema.AttributeType{Kind: kind, Hidden: true}
}

// RegisterSchemas adds the agent node kinds to r.
func RegisterSchemas(r *schema.Registry) error {
	schemas := []*schema.Schema{
		{
			Name: SchemaRoot,
			Attributes: map[string]schema.AttributeType{
				AttrFocus:            hidden(schema.KindObject),
				AttrEventThread:      hidden(schema.KindObject),
				AttrDisplay:          hidden(schema.KindString),
				AttrBreakpoints:      {Kind: schema.KindObject, Fixed: true},
				AttrProcesses:        {Kind: schema.KindObject, Fixed: true},
				AttrAvailableDevices: {Kind: schema.KindObject, Fixed: true},
			},
		},
		{
			Name:               SchemaBreakpointContainer,
			Attributes:         map[string]schema.AttributeType{AttrDisplay: hidden(schema.KindString)},
			ElementSchema:      SchemaBreakpointSpec,
			ElementResync:      schema.ResyncAlways,
			CanonicalContainer: true,
		},
		{
			Name: SchemaBreakpointSpec,
			Attributes: map[string]schema.AttributeType{
				AttrID:          {Kind: schema.KindString, Required: true, Fixed: true},
				AttrType:        attr(schema.KindString),
				AttrDisposition: attr(schema.KindString),
				AttrPending:     attr(schema.KindBool),
				AttrTimes:       attr(schema.KindInt),
				AttrAccess:      attr(schema.KindString),
				AttrExpression:  attr(schema.KindString),
				AttrKinds:       attr(schema.KindStrings),
				AttrEnabled:     {Kind: schema.KindBool, Required: true},
				AttrRange:       attr(schema.KindRange),
				AttrDisplay:     hidden(schema.KindString),
				AttrSpec:        hidden(schema.KindObject),
			},
			AttributeResync: schema.ResyncOnce,
		},
		{
			Name: SchemaProcessContainer,
			Attributes: map[string]schema.AttributeType{
				AttrDisplay: hidden(schema.KindString),
			},
			ElementSchema:      SchemaProcess,
			ElementResync:      schema.ResyncOnce,
			CanonicalContainer: true,
		},
		{
			Name: SchemaProcess,
			Attributes: map[string]schema.AttributeType{
				AttrPID:     {Kind: schema.KindInt, Fixed: true},
				AttrName:    attr(schema.KindString),
				AttrThreads: {Kind: schema.KindObject, Fixed: true},
				AttrDisplay: hidden(schema.KindString),
			},
			Focusable: true,
		},
		{
			Name: SchemaThreadContainer,
			Attributes: map[string]schema.AttributeType{
				AttrDisplay: hidden(schema.KindString),
			},
			ElementSchema:      SchemaThread,
			ElementResync:      schema.ResyncOnce,
			CanonicalContainer: true,
		},
		{
			Name: SchemaThread,
			Attributes: map[string]schema.AttributeType{
				AttrTID:     {Kind: schema.KindInt, Fixed: true},
				AttrName:    attr(schema.KindString),
				AttrState:   attr(schema.KindString),
				AttrDisplay: hidden(schema.KindString),
			},
			Focusable: true,
		},
		{
			Name: SchemaAvailableDevices,
			Attributes: map[string]schema.AttributeType{
				AttrBase:    attr(schema.KindInt),
				AttrDisplay: hidden(schema.KindString),
			},
			ElementSchema:      SchemaAvailableDevice,
			ElementResync:      schema.ResyncAlways,
			CanonicalContainer: true,
		},
		{
			Name: SchemaAvailableDevice,
			Attributes: map[string]schema.AttributeType{
				AttrID:      {Kind: schema.KindString, Fixed: true},
				AttrName:    attr(schema.KindString),
				AttrKind:    attr(schema.KindString),
				AttrDisplay: hidden(schema.KindString),
			},
		},
	}
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
