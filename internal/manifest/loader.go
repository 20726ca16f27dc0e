package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/registry"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

// LoadMode controls how errors are handled during manifest loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the triggers compiled from a manifest directory.
type LoadResult struct {
	Triggers  []Trigger
	CUEValue  cue.Value // the raw CUE value for additional processing
	FileCount int
}

// LoadError represents an error that occurred during manifest loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load compiles every trigger under the manifest directory's top-level
// "trigger" struct. Triggers come back sorted by name so registration
// order is stable across runs.
func Load(dir string, mode LoadMode) (*LoadResult, []error) {
	var errs []error

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("manifest directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing manifest directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{
		CUEValue:  value,
		FileCount: len(cueFiles),
	}

	triggersVal := value.LookupPath(cue.ParsePath("trigger"))
	if triggersVal.Exists() {
		iter, iterErr := triggersVal.Fields()
		if iterErr != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating triggers: %v", iterErr)})
			if mode == LoadModeFailFast {
				return result, errs
			}
		} else {
			for iter.Next() {
				t, compileErr := CompileTrigger(iter.Value())
				if compileErr != nil {
					errs = append(errs, convertCompileError(compileErr, "trigger."+iter.Label()))
					if mode == LoadModeFailFast {
						return result, errs
					}
					continue
				}
				result.Triggers = append(result.Triggers, *t)
			}
		}
	}

	if len(result.Triggers) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no triggers found in manifest"})
	}

	sort.Slice(result.Triggers, func(i, j int) bool {
		return result.Triggers[i].Name < result.Triggers[j].Name
	})
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Apply registers every manifest trigger with the registry under the given
// processor instance. Returns the created subscription ids in trigger
// order.
func Apply(reg *registry.Registry, caller registry.Identity, processor common.Hash, triggers []Trigger) ([]uint64, error) {
	ids := make([]uint64, 0, len(triggers))
	for _, t := range triggers {
		var (
			sub registry.Subscription
			err error
		)
		switch t.Kind {
		case KindBlock:
			sub, err = reg.NewBlockNumberTrigger(caller, t.ChainID, t.BlockNumber, t.Target, t.Calldata, t.GasLimit, processor)
		case KindPrice:
			sub, err = reg.NewPriceLevelTrigger(caller, t.MarketID, t.PriceMin, t.PriceMax, t.Target, t.Calldata, t.GasLimit, processor)
		case KindTimer:
			sub, err = reg.NewTimedTrigger(caller, t.Interval, t.Target, t.Calldata, t.GasLimit, processor)
		case KindEvent:
			emitter := t.Emitter
			if emitter == (common.Address{}) {
				emitter = wire.WildcardAddress
			}
			sub, err = reg.NewEventSubscription(caller, t.ChainID, emitter, t.Topics, t.Target, t.Calldata, t.GasLimit, processor)
		default:
			err = fmt.Errorf("unknown trigger kind %q", t.Kind)
		}
		if err != nil {
			return ids, fmt.Errorf("apply trigger %q: %w", t.Name, err)
		}
		ids = append(ids, sub.ID)
	}
	return ids, nil
}

func convertCompileError(err error, context string) *LoadError {
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    mapFieldToErrorCode(compileErr.Field),
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	// Trigger validation errors
	ErrCodeTriggerKind   = "E101" // Missing or unknown kind
	ErrCodeTriggerTarget = "E102" // Missing or invalid target
	ErrCodeTriggerBounds = "E103" // Invalid price bounds
	ErrCodeTriggerFilter = "E104" // Unusable event filter
)

func mapFieldToErrorCode(field string) string {
	switch field {
	case "kind":
		return ErrCodeTriggerKind
	case "target", "gas_limit":
		return ErrCodeTriggerTarget
	case "price_min", "price_max":
		return ErrCodeTriggerBounds
	case "emitter", "topics":
		return ErrCodeTriggerFilter
	default:
		return ErrCodeGeneric
	}
}
