package apps

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// PackageExt is the extension of installable release artifacts
const PackageExt = ".apk"

// AssetStateUploaded is the state of a fully uploaded release asset
const AssetStateUploaded = "uploaded"

// Release is one upstream release of an app
type Release struct {
	TagName    string
	Prerelease bool
	Draft      bool
	Body       string
	Assets     []Asset
}

// Asset is a file attached to a release
type Asset struct {
	ID    int64
	Name  string
	State string
	Size  int64
}

// SkipReason explains why a release was not selected. It is empty for a
// selected release.
type SkipReason string

const (
	SkipPrerelease SkipReason = "prerelease"
	SkipDraft      SkipReason = "draft"
	SkipEmptyTag   SkipReason = "empty tag name"
	SkipNoAsset    SkipReason = "no uploaded " + PackageExt + " asset"
)

// SelectAsset returns the asset to track for a release. Prereleases, drafts
// and untagged releases are rejected before the assets are looked at; the
// first uploaded asset whose name ends in PackageExt wins.
func SelectAsset(r Release) (Asset, SkipReason) {
	switch {
	case r.Prerelease:
		return Asset{}, SkipPrerelease
	case r.Draft:
		return Asset{}, SkipDraft
	case r.TagName == "":
		return Asset{}, SkipEmptyTag
	}

	for _, asset := range r.Assets {
		if asset.State == AssetStateUploaded && strings.HasSuffix(asset.Name, PackageExt) {
			return asset, ""
		}
	}
	return Asset{}, SkipNoAsset
}

// ReleaseFilename returns the name a release artifact is stored under in the
// repo directory. The result only contains ASCII letters, digits, '_', '-'
// and '.'; accented letters lose their accents, whitespace becomes '_' and
// anything else is dropped. It may be empty.
func ReleaseFilename(appName, tagName string) string {
	decomposed := norm.NFD.String(appName + "_" + tagName + PackageExt)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		switch {
		case isFilenameRune(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isFilenameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-', r == '.':
		return true
	}
	return false
}
