package loader

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

var (
	wasmMagic   = []byte{0x00, 0x61, 0x73, 0x6d}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

func checkHeader(code []byte) error {
	if len(code) < 8 {
		return fmt.Errorf("%w: %d bytes is too short for a module", ErrValidation, len(code))
	}
	if !bytes.Equal(code[:4], wasmMagic) {
		return fmt.Errorf("%w: missing \\0asm magic", ErrValidation)
	}
	if !bytes.Equal(code[4:8], wasmVersion) {
		return fmt.Errorf("%w: unsupported binary version %x", ErrValidation, code[4:8])
	}
	return nil
}

// checkShape verifies the compiled module can run as a guest: it exports
// the start function and a linear memory, and imports nothing beyond WASI.
func checkShape(compiled wazero.CompiledModule, startFunction string) error {
	start, ok := compiled.ExportedFunctions()[startFunction]
	if !ok {
		return fmt.Errorf("%w: missing export %q", ErrValidation, startFunction)
	}
	if len(start.ParamTypes()) != 0 || len(start.ResultTypes()) != 0 {
		return fmt.Errorf("%w: %q must take no parameters and return nothing", ErrValidation, startFunction)
	}

	if len(compiled.ExportedMemories()) == 0 {
		return fmt.Errorf("%w: module exports no memory", ErrValidation)
	}

	for _, fn := range compiled.ImportedFunctions() {
		module, name, _ := fn.Import()
		if module != wasi_snapshot_preview1.ModuleName {
			return fmt.Errorf("%w: unsupported import %s.%s", ErrValidation, module, name)
		}
	}
	return nil
}
