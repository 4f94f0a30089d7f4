package index

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FileName is the name of the structured index inside the repo directory
const FileName = "index-v1.json"

// ErrIndexRead is returned when the index is missing or malformed
var ErrIndexRead = errors.New("failed to read repo index")

// Index is a parsed index-v1.json as written by the F-Droid server tools
type Index struct {
	Repo     map[string]any       `json:"repo"`
	Requests map[string]any       `json:"requests"`
	Apps     []App                `json:"apps"`
	Packages map[string][]Package `json:"packages"`
}

// App is the per-app summary record of the index
type App struct {
	PackageName          string      `json:"packageName"`
	Name                 string      `json:"name,omitempty"`
	Summary              string      `json:"summary,omitempty"`
	SourceCode           string      `json:"sourceCode,omitempty"`
	License              string      `json:"license,omitempty"`
	SuggestedVersionName string      `json:"suggestedVersionName,omitempty"`
	SuggestedVersionCode VersionCode `json:"suggestedVersionCode,omitempty"`
}

// Package is one published build of an app
type Package struct {
	Added            int64    `json:"added"`
	ApkName          string   `json:"apkName"`
	Hash             string   `json:"hash"`
	HashType         string   `json:"hashType"`
	MinSdkVersion    int      `json:"minSdkVersion"`
	NativeCode       []string `json:"nativecode,omitempty"`
	PackageName      string   `json:"packageName"`
	Sig              string   `json:"sig"`
	Signer           string   `json:"signer"`
	Size             int64    `json:"size"`
	TargetSdkVersion int      `json:"targetSdkVersion"`
	VersionCode      int64    `json:"versionCode"`
	VersionName      string   `json:"versionName"`
}

// VersionCode is a version code the index may encode as a number or a string
type VersionCode string

// UnmarshalJSON accepts both 42 and "42"
func (v *VersionCode) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*v = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*v = VersionCode(str)
		return nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("invalid version code %s: %w", s, err)
	}
	*v = VersionCode(s)
	return nil
}

// Read parses the index file at path
func Read(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexRead, err)
	}
	return Parse(data)
}

// Parse decodes index JSON
func Parse(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexRead, err)
	}
	if idx.Packages == nil {
		idx.Packages = make(map[string][]Package)
	}
	return &idx, nil
}

// Latest returns the newest published build of the named package
func (idx *Index) Latest(packageName string) (Package, bool) {
	return Latest(idx.Packages[packageName])
}

// Latest returns the newest package of pkgs: the one with the highest
// version code, comparing version names when codes are equal. When both are
// equal the later package in pkgs wins. pkgs is not modified.
func Latest(pkgs []Package) (Package, bool) {
	if len(pkgs) == 0 {
		return Package{}, false
	}

	latest := pkgs[0]
	for _, p := range pkgs[1:] {
		if Compare(p, latest) >= 0 {
			latest = p
		}
	}
	return latest, true
}

// Compare orders packages by version code, then version name
func Compare(a, b Package) int {
	if c := cmp.Compare(a.VersionCode, b.VersionCode); c != 0 {
		return c
	}
	return strings.Compare(a.VersionName, b.VersionName)
}
