package dwarfsource

import (
	"debug/dwarf"
	"testing"
)

func lowHighEntry(tag dwarf.Tag, low, high uint64, fields ...dwarf.Field) *dwarf.Entry {
	f := append([]dwarf.Field{
		{Attr: dwarf.AttrLowpc, Val: low, Class: dwarf.ClassAddress},
		{Attr: dwarf.AttrHighpc, Val: high, Class: dwarf.ClassAddress},
	}, fields...)
	return &dwarf.Entry{Tag: tag, Field: f}
}

func TestPcRangeAddressClass(t *testing.T) {
	e := lowHighEntry(dwarf.TagSubprogram, 0x1000, 0x1040)
	low, high, ok := pcRange(e)
	if !ok || low != 0x1000 || high != 0x1040 {
		t.Fatalf("got (%x,%x,%v)", low, high, ok)
	}
}

func TestPcRangeConstantClass(t *testing.T) {
	e := &dwarf.Entry{
		Tag: dwarf.TagSubprogram,
		Field: []dwarf.Field{
			{Attr: dwarf.AttrLowpc, Val: uint64(0x2000), Class: dwarf.ClassAddress},
			{Attr: dwarf.AttrHighpc, Val: int64(0x40), Class: dwarf.ClassConstant},
		},
	}
	low, high, ok := pcRange(e)
	if !ok || low != 0x2000 || high != 0x2040 {
		t.Fatalf("got (%x,%x,%v)", low, high, ok)
	}
}

func TestPcRangeMissing(t *testing.T) {
	e := &dwarf.Entry{Tag: dwarf.TagSubprogram}
	if _, _, ok := pcRange(e); ok {
		t.Fatalf("want ok=false when low/high pc are absent")
	}
}

func TestDieNameLinkagePreferredOverName(t *testing.T) {
	e := &dwarf.Entry{
		Tag: dwarf.TagSubprogram,
		Field: []dwarf.Field{
			{Attr: dwarf.AttrLinkageName, Val: "_Z3fooi"},
			{Attr: dwarf.AttrName, Val: "foo"},
		},
	}
	if got := dieName(&dieNode{entry: e, owner: &cu{}}); got != "_Z3fooi" {
		t.Fatalf("got %q", got)
	}
}

func TestDieNameFallsBackToName(t *testing.T) {
	e := &dwarf.Entry{Tag: dwarf.TagSubprogram, Field: []dwarf.Field{
		{Attr: dwarf.AttrName, Val: "bar"},
	}}
	if got := dieName(&dieNode{entry: e, owner: &cu{}}); got != "bar" {
		t.Fatalf("got %q", got)
	}
}

func TestFunctionAtFindsContainingRange(t *testing.T) {
	r := &Reader{funcs: []*function{
		{name: "a", low: 0x100, high: 0x110},
		{name: "b", low: 0x200, high: 0x220},
	}}
	for _, f := range r.funcs {
		f.node = &dieNode{entry: lowHighEntry(dwarf.TagSubprogram, f.low, f.high), owner: &cu{}}
	}

	if f := r.functionAt(0x205); f == nil || f.name != "b" {
		t.Fatalf("want b, got %+v", f)
	}
	if f := r.functionAt(0x120); f != nil {
		t.Fatalf("want nil for address in no function's range, got %+v", f)
	}
}

func TestInnermostChainDescendsIntoContainingChild(t *testing.T) {
	inline := &dieNode{entry: lowHighEntry(dwarf.TagInlinedSubroutine, 0x108, 0x10c)}
	fn := &dieNode{entry: lowHighEntry(dwarf.TagSubprogram, 0x100, 0x110)}
	fn.children = []*dieNode{inline}
	inline.parent = fn

	chain := innermostChain(fn, 0x109)
	if len(chain) != 2 || chain[0] != inline || chain[1] != fn {
		t.Fatalf("want [inline, fn], got %v", chain)
	}
}

func TestInnermostChainStopsWhenNoChildContains(t *testing.T) {
	inline := &dieNode{entry: lowHighEntry(dwarf.TagInlinedSubroutine, 0x108, 0x10c)}
	fn := &dieNode{entry: lowHighEntry(dwarf.TagSubprogram, 0x100, 0x110)}
	fn.children = []*dieNode{inline}

	chain := innermostChain(fn, 0x104) // outside inline's range
	if len(chain) != 1 || chain[0] != fn {
		t.Fatalf("want [fn], got %v", chain)
	}
}

func TestNearestAncestorNameSkipsLexicalBlocks(t *testing.T) {
	scopes := []*dieNode{
		{entry: &dwarf.Entry{Tag: dwarf.TagInlinedSubroutine}},
		{entry: &dwarf.Entry{Tag: dwarf.TagLexDwarfBlock}},
		{entry: &dwarf.Entry{Tag: dwarf.TagSubprogram, Field: []dwarf.Field{
			{Attr: dwarf.AttrName, Val: "caller"},
		}}, owner: &cu{}},
	}
	scopes[0].owner = &cu{}

	name, ok := nearestAncestorName(scopes, 1)
	if !ok || name != "caller" {
		t.Fatalf("got (%q, %v)", name, ok)
	}
}
