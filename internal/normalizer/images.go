package normalizer

import (
	"net/url"
	"sort"
	"strings"

	"github.com/property-catalog/internal/adapter"
	"github.com/property-catalog/internal/models"
)

// ResolveImageURL returns an absolute http(s) URL, upgrading protocol-relative
// references to https. ok is false for anything that cannot be fetched.
func ResolveImageURL(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u.String(), true
}

// normalizeImages builds the ordered image list: cover first, then the
// gallery by the provider's order. Unresolvable and repeated URLs are dropped
// and positions renumbered from zero.
func normalizeImages(raw adapter.RawProperty) []models.ImageInput {
	type candidate struct {
		img adapter.RawImage
		key int
	}

	var candidates []candidate
	if raw.CoverImageURL != "" {
		candidates = append(candidates, candidate{img: adapter.RawImage{URL: raw.CoverImageURL}, key: -2})
	}
	if raw.CoverImage != nil {
		candidates = append(candidates, candidate{img: *raw.CoverImage, key: -1})
	}

	const unordered = 1 << 30
	for i, img := range raw.Images {
		key := unordered + i
		if img.Order != nil && *img.Order >= 0 {
			key = *img.Order
		}
		candidates = append(candidates, candidate{img: img, key: key})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].key < candidates[j].key })

	seen := make(map[string]bool, len(candidates))
	images := make([]models.ImageInput, 0, len(candidates))
	for _, c := range candidates {
		resolved, ok := ResolveImageURL(c.img.URL)
		if !ok || seen[resolved] {
			continue
		}
		seen[resolved] = true

		in := models.ImageInput{URL: resolved, Position: len(images)}
		if bh := strings.TrimSpace(c.img.Blurhash); bh != "" {
			in.Blurhash = &bh
		}
		images = append(images, in)
	}
	return images
}
