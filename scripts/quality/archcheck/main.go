package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "persona-relay/"

// importRule forbids packages under importer from importing packages under
// any of the forbidden prefixes. Prefixes are relative to modulePrefix.
type importRule struct {
	importer  string
	forbidden []string
	reason    string
}

var importRules = []importRule{
	{
		importer:  "pkg/chat",
		forbidden: []string{"internal/", "modules/", "cmd/"},
		reason:    "pkg/chat must stay a leaf protocol package",
	},
	{
		importer:  "internal/kernel",
		forbidden: []string{"internal/driver", "internal/persona", "internal/proxy", "modules/"},
		reason:    "internal/kernel must not know drivers, stores or modules",
	},
	{
		importer:  "internal/persona",
		forbidden: []string{"internal/", "modules/"},
		reason:    "internal/persona must not import other internal packages or modules",
	},
	{
		importer:  "internal/proxy",
		forbidden: []string{"internal/driver", "internal/kernel", "modules/"},
		reason:    "internal/proxy must only depend on the chat protocol",
	},
	{
		importer:  "modules/",
		forbidden: []string{"internal/kernel", "internal/driver"},
		reason:    "modules/* must reach the kernel and drivers through pkg/chat services",
	},
}

// frameworkPackages test with the standard testing package only; testify
// belongs to the domain layer. Entries ending in "/" match whole subtrees.
var frameworkPackages = []string{
	"pkg/chat",
	"internal/kernel",
	"internal/driver",
	"modules/pingpong",
	"modules/help",
	"cmd/",
	"scripts/",
}

const testifyPrefix = "github.com/stretchr/testify"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				reason = testToolingReason(pkg.ImportPath, imported)
			}
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

func violationReason(importer, imported string) string {
	if !strings.HasPrefix(importer, modulePrefix) || !strings.HasPrefix(imported, modulePrefix) {
		return ""
	}
	importer = strings.TrimPrefix(importer, modulePrefix)
	imported = strings.TrimPrefix(imported, modulePrefix)
	// go list -test reports test variants as "pkg [pkg.test]".
	importer, _, _ = strings.Cut(importer, " ")
	importer = strings.TrimSuffix(importer, "_test")

	if imported == importer || strings.HasPrefix(imported, importer+"/") {
		return ""
	}

	for _, rule := range importRules {
		if !strings.HasPrefix(importer, rule.importer) {
			continue
		}
		for _, prefix := range rule.forbidden {
			if strings.HasPrefix(imported, prefix) {
				return rule.reason
			}
		}
	}

	return ""
}

func testToolingReason(importer, imported string) string {
	if !strings.HasPrefix(importer, modulePrefix) || !strings.HasPrefix(imported, testifyPrefix) {
		return ""
	}
	importer = strings.TrimPrefix(importer, modulePrefix)
	importer, _, _ = strings.Cut(importer, " ")
	importer = strings.TrimSuffix(importer, "_test")
	importer = strings.TrimSuffix(importer, ".test")

	for _, framework := range frameworkPackages {
		matched := importer == framework
		if strings.HasSuffix(framework, "/") {
			matched = strings.HasPrefix(importer, framework)
		}
		if matched {
			return "framework packages test with the standard testing package"
		}
	}

	return ""
}
