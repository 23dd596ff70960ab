package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dbgmodel/internal/dbgmgr"
	"github.com/dshills/dbgmodel/internal/dbgmgr/sim"
	"github.com/dshills/dbgmodel/internal/future"
	"github.com/dshills/dbgmodel/internal/model"
	"github.com/dshills/dbgmodel/internal/model/path"
	"github.com/dshills/dbgmodel/internal/model/schema"
)

func TestKindsOf(t *testing.T) {
	tests := []struct {
		typ  dbgmgr.BreakpointType
		want []string
	}{
		{dbgmgr.Breakpoint, []string{"SW_EXECUTE"}},
		{dbgmgr.HWBreakpoint, []string{"HW_EXECUTE"}},
		{dbgmgr.HWWatchpoint, []string{"WRITE"}},
		{dbgmgr.ReadWatchpoint, []string{"READ"}},
		{dbgmgr.AccessWatchpoint, []string{"READ", "WRITE"}},
		{dbgmgr.Catchpoint, []string{}},
		{dbgmgr.BreakpointUnknown, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			got := KindsOf(&dbgmgr.BreakpointInfo{Type: tt.typ}).Strings()
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, BreakpointKind(0), KindsOf(nil))
	assert.Equal(t, "READ|WRITE", (KindRead | KindWrite).String())
	assert.True(t, (KindRead | KindWrite).Has(KindWrite))
	assert.False(t, KindRead.Has(KindRead|KindWrite))
}

func TestBreakpointFromNativeDocument(t *testing.T) {
	m, s := newTestModel(t, true)
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "a")
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x20"), nil, "b")
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x1000"), nil, "c")

	spec := m.Breakpoints().Spec(3)
	require.NotNil(t, spec)
	attrs, err := await(t, spec.Node().RequestAttributes(context.Background(), model.RefreshAlways))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Calls(sim.OpBreakpointAttributes))

	assert.Equal(t, true, attrs[AttrEnabled])
	assert.Equal(t, schema.AddressRange{Min: 0x1000, Max: 0x1000}, attrs[AttrRange])
	assert.Equal(t, []string{"SW_EXECUTE"}, attrs[AttrKinds])
	assert.Equal(t, "3", attrs[AttrID])
	assert.Equal(t, "[3] 0x1000", spec.Display())
	assert.True(t, spec.IsEnabled())
	assert.Equal(t, KindSoftwareExecute, spec.Kinds())
}

func TestBreakpointAttributesAreCachedOnce(t *testing.T) {
	m, s := newTestModel(t, true)
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)

	ctx := context.Background()
	_, err := await(t, spec.Node().RequestAttributes(ctx, model.RefreshWhenAbsent))
	require.NoError(t, err)
	_, err = await(t, spec.Node().RequestAttributes(ctx, model.RefreshWhenAbsent))
	require.NoError(t, err)
	_, err = await(t, spec.Node().RequestAttributes(ctx, model.RefreshNever))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Calls(sim.OpBreakpointAttributes))
}

func TestAttributesFor(t *testing.T) {
	m, _ := newTestModel(t, true)
	spec, err := newBreakpointSpec(m.Breakpoints(), &dbgmgr.BreakpointInfo{Number: 9})
	require.NoError(t, err)

	size := func(v uint64) *uint64 { return &v }
	tests := []struct {
		name        string
		offset      *string
		size        *uint64
		wantRange   any
		wantDisplay string
	}{
		{"no offset", nil, nil, schema.AddressRange{Min: 0, Max: 0}, "[9] 0x0"},
		{"sized", offset("0x100"), size(4), schema.AddressRange{Min: 0x100, Max: 0x103}, "[9] 0x100"},
		{"zero size", offset("0x100"), size(0), schema.AddressRange{Min: 0x100, Max: 0x100}, "[9] 0x100"},
		{"space prefix", offset("ram:00401000"), nil, schema.AddressRange{Min: 0x401000, Max: 0x401000}, "[9] ram:00401000"},
		{"bad offset", offset("main+4"), nil, nil, "[9] main+4"},
		{"overflow", offset("0xffffffffffffffff"), size(2), nil, "[9] 0xffffffffffffffff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, removed := spec.attributesFor(nativeFields{number: 9, typ: dbgmgr.HWWatchpoint, offset: tt.offset, size: tt.size})
			assert.Equal(t, tt.wantDisplay, changed[AttrDisplay])
			assert.Equal(t, []string{"WRITE"}, changed[AttrKinds])
			if tt.wantRange == nil {
				assert.NotContains(t, changed, AttrRange)
				assert.Equal(t, []string{AttrRange}, removed)
				return
			}
			assert.Equal(t, tt.wantRange, changed[AttrRange])
			assert.Empty(t, removed)
		})
	}
}

func TestParseNativeDocument(t *testing.T) {
	m, _ := newTestModel(t, true)
	logger := m.Logger()

	doc, err := sim.NativeDocument(&dbgmgr.BreakpointInfo{
		Number: 3, Type: dbgmgr.ReadWatchpoint, Disposition: "keep", Times: 2,
		Enabled: true, Offset: offset("0x40"),
	})
	require.NoError(t, err)
	f, err := parseNativeDocument(doc, logger)
	require.NoError(t, err)
	want := nativeFields{
		number: 3, typ: dbgmgr.ReadWatchpoint, disposition: "keep", times: 2,
		enabled: true, offset: offset("0x40"),
	}
	if diff := cmp.Diff(want, f, cmp.AllowUnexported(nativeFields{})); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}

	f, err = parseNativeDocument([]byte(`{"Id":"4","IsEnabled":"0","Size":"lots"}`), logger)
	require.NoError(t, err)
	assert.False(t, f.enabled)
	assert.Nil(t, f.size)
	assert.Nil(t, f.offset)

	_, err = parseNativeDocument([]byte(`{"Id":"x"}`), logger)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = parseNativeDocument([]byte(`not json`), logger)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBreakpointEventsUpdateSpec(t *testing.T) {
	m, s := newTestModel(t, true)
	info := s.InsertBreakpoint(dbgmgr.HWBreakpoint, offset("0x2000"), nil, "")

	spec := m.Breakpoints().Spec(info.Number)
	require.NotNil(t, spec)
	assert.True(t, spec.Node().IsLive())
	assert.Same(t, info, spec.Info())
	assert.Equal(t, "[1] 0x2000", spec.Display())

	require.NoError(t, s.ModifyBreakpoint(info.Number, "condition", func(b *dbgmgr.BreakpointInfo) {
		b.Expression = "x > 1"
	}))
	v, _ := spec.Node().GetCachedAttribute(AttrExpression)
	assert.Equal(t, "x > 1", v)
	assert.Same(t, spec, m.Breakpoints().Spec(info.Number), "identity survives updates")
}

func TestEnableWhileDisablePending(t *testing.T) {
	tests := []struct {
		name        string
		order       []int
		wantEnabled bool
		wantState   EnabledState
	}{
		{
			name:        "disable answered last",
			order:       []int{1, 0},
			wantEnabled: false,
			wantState:   EnabledState{Requested: true, Confirmed: false},
		},
		{
			name:        "enable answered last",
			order:       []int{0, 0},
			wantEnabled: true,
			wantState:   EnabledState{Requested: true, Confirmed: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, s := newTestModel(t, true)
			s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
			spec := m.Breakpoints().Spec(1)
			require.NotNil(t, spec)

			ctx := context.Background()
			s.Hold()
			disable := spec.Disable(ctx)
			assert.False(t, spec.IsEnabled(), "disable is applied optimistically")
			enable := spec.Enable(ctx)
			assert.True(t, spec.IsEnabled())
			assert.Equal(t, EnabledState{Requested: true, Confirmed: true, Pending: 2}, spec.EnabledState())
			require.Equal(t, []string{sim.OpDisable, sim.OpEnable}, s.Held())

			for _, i := range tt.order {
				require.True(t, s.Release(i))
			}
			_, err := await(t, disable)
			require.NoError(t, err)
			_, err = await(t, enable)
			require.NoError(t, err)

			assert.Equal(t, tt.wantEnabled, spec.IsEnabled())
			assert.Equal(t, tt.wantState, spec.EnabledState())
			assert.Equal(t, tt.wantEnabled, spec.Info().Enabled)
		})
	}
}

func TestRejectedDisableDivergesUntilResync(t *testing.T) {
	m, s := newTestModel(t, false)
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)

	ctx := context.Background()
	s.FailNext(sim.OpDisable, errors.New("target running"))
	_, err := await(t, spec.Disable(ctx))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendRejected)
	var rejected *BackendRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "disable breakpoint", rejected.Op)

	assert.False(t, spec.IsEnabled(), "optimistic state is kept")
	st := spec.EnabledState()
	assert.True(t, st.Diverged())
	assert.Equal(t, 0, st.Pending)

	_, err = await(t, spec.Node().RequestAttributes(ctx, model.RefreshAlways))
	require.NoError(t, err)
	assert.True(t, spec.IsEnabled())
	assert.False(t, spec.EnabledState().Diverged())
}

func TestEnableNotifies(t *testing.T) {
	m, s := newTestModel(t, true)
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)

	log := &eventLog{}
	sub, err := m.Tree().Subscribe(spec.Node().Path(), log.record)
	require.NoError(t, err)
	defer m.Tree().Unsubscribe(sub)

	s.Hold()
	f := spec.Disable(context.Background())
	changes := log.attributeChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, "requested", changes[0].Reason)
	assert.Equal(t, map[string]any{AttrEnabled: false}, changes[0].Added)

	s.Resume()
	_, err = await(t, f)
	require.NoError(t, err)
	changes = log.attributeChanges()
	require.Len(t, changes, 1, "confirmation matches the optimistic value")
}

func TestDeleteRemovesSpec(t *testing.T) {
	m, s := newTestModel(t, false)
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)

	_, err := await(t, spec.Delete(context.Background()))
	require.NoError(t, err)
	assert.Nil(t, m.Breakpoints().Spec(1))
	assert.False(t, spec.Node().IsLive())
	_, ok := m.Get(path.MustParse("Breakpoints[1]"))
	assert.False(t, ok)

	_, err = await(t, spec.Delete(context.Background()))
	assert.ErrorIs(t, err, ErrBackendRejected)
	assert.ErrorIs(t, err, dbgmgr.ErrNoSuchBreakpoint)
}

func TestUpdateInfoStale(t *testing.T) {
	old := &dbgmgr.BreakpointInfo{Number: 1, Type: dbgmgr.Breakpoint, Offset: offset("0x10")}
	updated := old.WithEnabled(true)

	t.Run("lenient", func(t *testing.T) {
		m, s := newTestModel(t, false)
		s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
		spec := m.Breakpoints().Spec(1)
		require.NotNil(t, spec)

		before := spec.Info()
		err := spec.UpdateInfo(old, updated, "test")
		assert.ErrorIs(t, err, ErrStaleInfo)
		assert.Same(t, before, spec.Info())
	})
	t.Run("strict", func(t *testing.T) {
		m, s := newTestModel(t, true)
		s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
		spec := m.Breakpoints().Spec(1)
		require.NotNil(t, spec)

		assert.Panics(t, func() { _ = spec.UpdateInfo(old, updated, "test") })
	})
}

func TestListingKeepsLiveSnapshot(t *testing.T) {
	m, s := newTestModel(t, true)
	info := s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)

	specs, err := await(t, m.Breakpoints().Refresh(context.Background()))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Same(t, spec, specs[0])
	assert.Same(t, info, spec.Info())
}

func TestRecycledNumberGetsFreshSpec(t *testing.T) {
	m, s := newTestModel(t, true, sim.WithNumberReuse())
	ctx := context.Background()
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "old")
	old := m.Breakpoints().Spec(1)
	require.NotNil(t, old)

	_, err := await(t, old.Delete(ctx))
	require.NoError(t, err)
	assert.True(t, old.Node().Removed())

	size := uint64(4)
	info := s.InsertBreakpoint(dbgmgr.HWWatchpoint, offset("0x2000"), &size, "new")
	require.Equal(t, int64(1), info.Number)

	fresh := m.Breakpoints().Spec(1)
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)
	assert.True(t, fresh.Node().IsLive())
	assert.Same(t, info, fresh.Info())
	assert.Equal(t, "[1] 0x2000", fresh.Display())
	v, _ := fresh.Node().GetCachedAttribute(AttrExpression)
	assert.Equal(t, "new", v)
	v, _ = fresh.Node().GetCachedAttribute(AttrKinds)
	assert.Equal(t, []string{"WRITE"}, v)
	v, _ = fresh.Node().GetCachedAttribute(AttrRange)
	assert.Equal(t, schema.AddressRange{Min: 0x2000, Max: 0x2003}, v)

	specs, err := await(t, m.Breakpoints().Refresh(ctx))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Same(t, fresh, specs[0])

	_, err = await(t, fresh.Disable(ctx))
	require.NoError(t, err)
	assert.False(t, fresh.IsEnabled())
}

func TestStaleDeleteKeepsRecycledSpec(t *testing.T) {
	m, s := newTestModel(t, true, sim.WithNumberReuse())
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	old := m.Breakpoints().Spec(1)
	require.NotNil(t, old)

	_, err := await(t, s.DeleteBreakpoints(context.Background(), 1))
	require.NoError(t, err)
	s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x20"), nil, "")
	fresh := m.Breakpoints().Spec(1)
	require.NotNil(t, fresh)
	require.NotSame(t, old, fresh)

	require.NoError(t, m.Breakpoints().removeSpec(old, "deleted"))
	assert.Same(t, fresh, m.Breakpoints().Spec(1))
	assert.True(t, fresh.Node().IsLive())
	assert.Equal(t, "[1] 0x20", fresh.Display())
}

func TestDisableThenEnableWithoutHold(t *testing.T) {
	for _, latency := range []time.Duration{0, 2 * time.Millisecond} {
		t.Run(latency.String(), func(t *testing.T) {
			m, s := newTestModel(t, true, sim.WithLatency(latency))
			s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
			spec := m.Breakpoints().Spec(1)
			require.NotNil(t, spec)

			ctx := context.Background()
			disable := spec.Disable(ctx)
			enable := spec.Enable(ctx)
			_, err := await(t, disable)
			require.NoError(t, err)
			_, err = await(t, enable)
			require.NoError(t, err)

			native, ok := s.Breakpoint(1)
			require.True(t, ok)
			assert.True(t, native.Enabled)
			assert.True(t, spec.IsEnabled())
			assert.Equal(t, EnabledState{Requested: true, Confirmed: true}, spec.EnabledState())
		})
	}
}

func TestCancelledCommandsAreNotRejections(t *testing.T) {
	tests := []struct {
		name string
		run  func(*BreakpointSpec, context.Context) *future.Future[future.Void]
	}{
		{"enable", (*BreakpointSpec).Enable},
		{"disable", (*BreakpointSpec).Disable},
		{"delete", (*BreakpointSpec).Delete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, s := newTestModel(t, true)
			s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
			spec := m.Breakpoints().Spec(1)
			require.NotNil(t, spec)

			ctx, cancel := context.WithCancel(context.Background())
			s.Hold()
			f := tt.run(spec, ctx)
			cancel()
			s.Resume()

			_, err := await(t, f)
			require.Error(t, err)
			assert.ErrorIs(t, err, future.ErrCancelled)
			assert.NotErrorIs(t, err, ErrBackendRejected)
			var rejected *BackendRejectedError
			assert.False(t, errors.As(err, &rejected))

			assert.Equal(t, 0, spec.EnabledState().Pending)
			assert.True(t, spec.Node().IsLive())
			native, ok := s.Breakpoint(1)
			require.True(t, ok, "cancelled command never reached the engine")
			assert.True(t, native.Enabled)
		})
	}
}

func TestAttributeRefreshKeepsSnapshot(t *testing.T) {
	m, s := newTestModel(t, true)
	info := s.InsertBreakpoint(dbgmgr.Breakpoint, offset("0x10"), nil, "")
	spec := m.Breakpoints().Spec(1)
	require.NotNil(t, spec)

	require.NoError(t, s.ModifyBreakpoint(1, "hit", func(b *dbgmgr.BreakpointInfo) { b.Times++ }))
	hit := spec.Info()
	require.NotSame(t, info, hit)
	assert.Equal(t, 1, hit.Times)

	_, err := await(t, spec.Node().RequestAttributes(context.Background(), model.RefreshAlways))
	require.NoError(t, err)
	assert.Same(t, hit, spec.Info())
	v, _ := spec.Node().GetCachedAttribute(AttrTimes)
	assert.Equal(t, spec.Info().Times, v)

	require.NoError(t, s.ModifyBreakpoint(1, "condition", func(b *dbgmgr.BreakpointInfo) {
		b.Expression = "x == 2"
	}), "the next change event still matches the held snapshot")
	assert.Equal(t, "x == 2", spec.Info().Expression)
}
