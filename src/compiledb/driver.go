package compiledb

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/clice-io/clice/src/internal/common"
	cerrors "github.com/clice-io/clice/src/internal/errors"
)

const (
	targetMarker      = "Target: "
	searchStartMarker = "#include <...> search starts here:"
	searchEndMarker   = "End of search list."
)

func driverError(kind cerrors.QueryDriverErrorKind, message string) *cerrors.QueryDriverError {
	return &cerrors.QueryDriverError{Kind: kind, Message: message}
}

// unsupportedDriver reports drivers the prober knows it cannot handle.
func unsupportedDriver(name string) bool {
	name = strings.TrimSuffix(name, ".exe")
	switch name {
	case "nvcc", "icc", "icpc", "icx", "icpx", "zig":
		return true
	}
	return false
}

// QueryDriver probes the given compiler driver for its default system
// include search path and target triple, caching the result by resolved
// driver path.
func (db *CompilationDatabase) QueryDriver(driver string) (*DriverInfo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.queryDriverLocked(driver)
}

func (db *CompilationDatabase) queryDriverLocked(driver string) (*DriverInfo, error) {
	name := filepath.Base(driver)
	if unsupportedDriver(name) {
		return nil, driverError(cerrors.NotImplemented, "driver "+name+" is not supported")
	}
	if isCLDriver(driver) {
		return db.queryMSVCLocked(driver)
	}

	resolved, err := resolveDriver(driver)
	if err != nil {
		return nil, err
	}

	if info, ok := db.drivers[resolved]; ok {
		return info, nil
	}

	info, qerr := probeDriver(resolved)
	if qerr != nil {
		return nil, qerr
	}
	db.drivers[resolved] = info
	return info, nil
}

// resolveDriver turns the driver spelling into an absolute executable path.
func resolveDriver(driver string) (string, error) {
	if filepath.IsAbs(driver) {
		if resolved, err := filepath.EvalSymlinks(driver); err == nil {
			return resolved, nil
		}
		return driver, nil
	}
	resolved, err := exec.LookPath(driver)
	if err != nil {
		return "", driverError(cerrors.NotFoundInPATH, err.Error())
	}
	return resolved, nil
}

// probeDriver invokes `<driver> -E -v -xc++ <null-device>` with stderr
// redirected to a temp file and parses the search-list block and target
// triple out of it. The locale is forced to C so the markers are stable.
func probeDriver(driver string) (*DriverInfo, *cerrors.QueryDriverError) {
	output, err := os.CreateTemp("", "system-includes-*.clice")
	if err != nil {
		return nil, driverError(cerrors.FailToCreateTempFile, err.Error())
	}
	outputPath := output.Name()

	// On failure the output file is kept for the user to inspect.
	keepOutput := true
	defer func() {
		output.Close()
		if keepOutput {
			common.DBLogger.Warn("Query driver failed, output file: %s", outputPath)
			return
		}
		if err := os.Remove(outputPath); err != nil {
			common.DBLogger.Warn("Failed to remove temporary file: %v", err)
		}
	}()

	cmd := exec.Command(driver, "-E", "-v", "-xc++", os.DevNull)
	cmd.Stderr = output
	if runtime.GOOS == "windows" {
		cmd.Env = append(os.Environ(), "LANG=C")
	} else {
		cmd.Env = []string{"LANG=C"}
	}

	if err := cmd.Run(); err != nil {
		return nil, driverError(cerrors.InvokeDriverFail, err.Error())
	}

	content, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, driverError(cerrors.OutputFileNotReadable, err.Error())
	}

	info, qerr := parseDriverOutput(string(content))
	if qerr != nil {
		return nil, qerr
	}

	keepOutput = false
	return info, nil
}

// parseDriverOutput extracts the target triple and the system include list
// from the driver's verbose stderr.
func parseDriverOutput(content string) (*DriverInfo, *cerrors.QueryDriverError) {
	var info DriverInfo
	inIncludes := false
	foundStart := false

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		if target, ok := strings.CutPrefix(line, targetMarker); ok {
			info.Target = target
			continue
		}
		if line == searchStartMarker {
			foundStart = true
			inIncludes = true
			continue
		}
		if line == searchEndMarker {
			inIncludes = false
			continue
		}
		if inIncludes && line != "" {
			info.SystemIncludes = append(info.SystemIncludes, line)
		}
	}

	if !foundStart {
		return nil, driverError(cerrors.InvalidOutputFormat, "include search start marker not found")
	}
	if inIncludes {
		return nil, driverError(cerrors.InvalidOutputFormat, "include search end marker not found")
	}

	// Normalize to absolute paths and drop the driver's own resource dir,
	// which would interfere with our resource-dir injection.
	normalized := info.SystemIncludes[:0]
	for _, include := range info.SystemIncludes {
		resolved, err := filepath.EvalSymlinks(include)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(resolved) {
			if resolved, err = filepath.Abs(resolved); err != nil {
				continue
			}
		}
		if strings.Contains(resolved, "lib/gcc") {
			continue
		}
		normalized = append(normalized, resolved)
	}
	info.SystemIncludes = normalized

	return &info, nil
}

// queryMSVCLocked resolves Visual Studio include paths from the
// environment rather than invoking cl. The target is always the MSVC
// triple.
func (db *CompilationDatabase) queryMSVCLocked(driver string) (*DriverInfo, error) {
	if runtime.GOOS != "windows" {
		return nil, driverError(cerrors.NotImplemented, "MSVC toolchain lookup requires Windows")
	}

	includeEnv := os.Getenv("INCLUDE")
	if includeEnv == "" {
		return nil, driverError(cerrors.InvalidOutputFormat, "INCLUDE environment variable not set")
	}

	info := &DriverInfo{Target: "x86_64-pc-windows-msvc"}
	for _, dir := range strings.Split(includeEnv, ";") {
		if dir != "" {
			info.SystemIncludes = append(info.SystemIncludes, dir)
		}
	}
	db.drivers[driver] = info
	return info, nil
}
