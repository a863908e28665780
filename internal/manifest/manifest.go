package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/LaneDibello/Kotor-Patch-Manager-sub000/internal/patchlog"
)

// rawDoc mirrors the TOML schema documented in the manifest section:
// an ordered list of patch groups, each with an optional dll path and
// an ordered list of hooks.
type rawDoc struct {
	TargetBuild string          `toml:"target_build"`
	Patches     []rawPatchGroup `toml:"patches"`
}

type rawPatchGroup struct {
	ID    string    `toml:"id"`
	DLL   string    `toml:"dll"`
	Hooks []rawHook `toml:"hooks"`
}

type rawHook struct {
	Address            interface{}    `toml:"address"`
	Type               string         `toml:"type"`
	Function           string         `toml:"function"`
	OriginalBytes      []interface{}  `toml:"original_bytes"`
	ReplacementBytes   []interface{}  `toml:"replacement_bytes"`
	PreserveRegisters  *bool          `toml:"preserve_registers"`
	PreserveFlags      *bool          `toml:"preserve_flags"`
	ExcludeFromRestore []string       `toml:"exclude_from_restore"`
	SkipOriginal       bool           `toml:"skip_original"`
	Parameters         []rawParameter `toml:"parameters"`
}

type rawParameter struct {
	Source string `toml:"source"`
	Type   string `toml:"type"`
}

// Parse decodes a TOML manifest document into a Manifest. Hooks that
// fail validation are dropped and reported in the returned error
// slice; a non-nil Manifest is still returned with the remaining
// valid hooks, matching the "reject hook on violation, continue with
// remainder" policy.
func Parse(data []byte) (*Manifest, []error) {
	var doc rawDoc
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, []error{fmt.Errorf("manifest: TOML parse error: %w", err)}
	}

	out := &Manifest{TargetBuild: doc.TargetBuild}
	var errs []error

	for _, group := range doc.Patches {
		if len(group.Hooks) == 0 {
			if group.DLL == "" {
				errs = append(errs, &ValidationError{HookID: group.ID, Reason: "patch group has no hooks and no dll; nothing to do"})
				continue
			}
			// Empty hooks + dll present denotes ModuleOnly.
			out.Hooks = append(out.Hooks, HookSpec{
				ID:         group.ID,
				Kind:       ModuleOnly,
				ModulePath: group.DLL,
			})
			continue
		}
		for i, h := range group.Hooks {
			id := group.ID
			if id == "" {
				id = fmt.Sprintf("group@%d", i)
			}
			spec, err := parseHook(id, group.DLL, h)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out.Hooks = append(out.Hooks, *spec)
		}
	}

	return out, errs
}

func parseHook(id, dll string, h rawHook) (*HookSpec, error) {
	site, err := parseAddress(h.Address)
	if err != nil {
		return nil, &ValidationError{HookID: id, Reason: "address: " + err.Error()}
	}

	kind, downgraded := parseHookType(h.Type)
	if downgraded {
		patchlog.Warn(fmt.Sprintf("manifest: hook %q has unknown type %q, downgrading to detour", id, h.Type))
	}

	original, err := parseByteArray(h.OriginalBytes)
	if err != nil {
		return nil, &ValidationError{HookID: id, Reason: "original_bytes: " + err.Error()}
	}
	if len(original) == 0 {
		return nil, &ValidationError{HookID: id, Reason: "original_bytes is required"}
	}

	replacement, err := parseByteArray(h.ReplacementBytes)
	if err != nil {
		return nil, &ValidationError{HookID: id, Reason: "replacement_bytes: " + err.Error()}
	}

	if kind != SimpleReplace && len(original) < 5 {
		return nil, &ValidationError{HookID: id, Reason: "original must be at least 5 bytes to install a JMP"}
	}

	switch kind {
	case DetourWithWrapper, ModuleOnly:
		if h.Function == "" && kind == DetourWithWrapper {
			return nil, &ValidationError{HookID: id, Reason: "function is required for detour hooks"}
		}
		if dll == "" {
			return nil, &ValidationError{HookID: id, Reason: "dll is required at the patch-group level for this hook kind"}
		}
	case SimpleReplace:
		if len(replacement) != len(original) {
			return nil, &ValidationError{HookID: id, Reason: "replacement_bytes length must equal original_bytes length for simple hooks"}
		}
	case RawCodeBlock:
		if len(replacement) == 0 {
			return nil, &ValidationError{HookID: id, Reason: "replacement_bytes is required for replace (raw code block) hooks"}
		}
	}

	params, err := parseParameters(h.Parameters)
	if err != nil {
		return nil, &ValidationError{HookID: id, Reason: err.Error()}
	}

	exclude := map[RegisterName]bool{}
	for _, name := range h.ExcludeFromRestore {
		reg, ok := registerNames[strings.ToLower(name)]
		if !ok {
			return nil, &ValidationError{HookID: id, Reason: fmt.Sprintf("unknown register %q in exclude_from_restore", name)}
		}
		exclude[reg] = true
	}

	return &HookSpec{
		ID:                 id,
		Site:               site,
		Original:           original,
		Replacement:        replacement,
		ModulePath:         dll,
		SymbolName:         h.Function,
		Kind:               kind,
		PreserveRegs:       boolDefault(h.PreserveRegisters, true),
		PreserveFlags:      boolDefault(h.PreserveFlags, true),
		ExcludeFromRestore: exclude,
		Parameters:         params,
		SkipOriginal:       h.SkipOriginal,
	}, nil
}

func boolDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func parseHookType(s string) (kind HookKind, downgraded bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "detour":
		return DetourWithWrapper, false
	case "simple":
		return SimpleReplace, false
	case "replace":
		return RawCodeBlock, false
	case "module_only", "dll_only":
		return ModuleOnly, false
	default:
		return DetourWithWrapper, true
	}
}

func parseAddress(v interface{}) (Address, error) {
	switch t := v.(type) {
	case int64:
		return Address(uint32(t)), nil
	case string:
		s := strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
		n, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid hex address %q: %w", t, err)
		}
		return Address(uint32(n)), nil
	default:
		return 0, fmt.Errorf("address must be a hex string or integer, got %T", v)
	}
}

func parseByteArray(items []interface{}) (BytePattern, error) {
	out := make(BytePattern, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case int64:
			if t < 0 || t > 255 {
				return nil, fmt.Errorf("byte value %d out of range", t)
			}
			out = append(out, byte(t))
		case string:
			s := strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
			n, err := strconv.ParseUint(s, 16, 16)
			if err != nil || n > 255 {
				return nil, fmt.Errorf("invalid byte string %q", t)
			}
			out = append(out, byte(n))
		default:
			return nil, fmt.Errorf("byte array element must be integer or hex string, got %T", item)
		}
	}
	return out, nil
}

func parseParameters(items []rawParameter) ([]Parameter, error) {
	out := make([]Parameter, 0, len(items))
	for _, item := range items {
		typ, ok := parameterTypeNames[strings.ToLower(item.Type)]
		if !ok {
			return nil, fmt.Errorf("unrecognized parameter type %q", item.Type)
		}
		src, err := parseSource(item.Source)
		if err != nil {
			return nil, err
		}
		out = append(out, Parameter{Source: src, Type: typ})
	}
	return out, nil
}

func parseSource(s string) (ParameterSource, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if reg, ok := registerNames[s]; ok {
		return ParameterSource{Kind: SourceRegister, Register: reg}, nil
	}
	if strings.HasPrefix(s, "esp") {
		rest := strings.TrimPrefix(s, "esp")
		if rest == "" {
			return ParameterSource{Kind: SourceStackOffset, Offset: 0}, nil
		}
		n, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return ParameterSource{}, fmt.Errorf("unrecognized parameter source %q", s)
		}
		return ParameterSource{Kind: SourceStackOffset, Offset: int32(n)}, nil
	}
	return ParameterSource{}, fmt.Errorf("unrecognized parameter source %q", s)
}
