package images

import (
	"fmt"
	"math"
	"sort"
)

// AspectRatio represents an aspect ratio by name (e.g., "16:9").
type AspectRatio string

// Aspect ratios of the standard capture resolutions.
const (
	AspectRatio169 AspectRatio = "16:9"
	AspectRatio43  AspectRatio = "4:3"
	AspectRatio54  AspectRatio = "5:4"
	AspectRatio32  AspectRatio = "3:2"
)

// ResolutionType names a capture resolution standard.
type ResolutionType string

// Standard capture resolutions, smallest first.
const (
	ResolutionTypeQVGA     ResolutionType = "QVGA"
	ResolutionTypeVGA      ResolutionType = "VGA"
	ResolutionTypeNHD      ResolutionType = "nHD"
	ResolutionTypeSVGA     ResolutionType = "SVGA"
	ResolutionTypeFWVGA    ResolutionType = "FWVGA"
	ResolutionTypeQHD540   ResolutionType = "qHD 540p"
	ResolutionTypeHD720p   ResolutionType = "HD 720p"
	ResolutionType1MP54    ResolutionType = "1MP (5:4)"
	ResolutionTypeFHD1080p ResolutionType = "Full HD 1080p"
	ResolutionType2MP43    ResolutionType = "2MP (4:3)"
	ResolutionTypeQHD1440p ResolutionType = "QHD 1440p"
	ResolutionType3MP43    ResolutionType = "3MP (4:3)"
	ResolutionType6MP32    ResolutionType = "6MP (3:2)"
	ResolutionType4KUHD    ResolutionType = "4K UHD"
)

// Resolution describes one capture resolution standard.
type Resolution struct {
	Name        ResolutionType `json:"name"`
	AspectRatio AspectRatio    `json:"aspectRatio"`
	Size        Size           `json:"size"`
}

// MegaPixels returns the pixel count in megapixels, rounded to two decimals.
func (r Resolution) MegaPixels() float64 {
	if !r.Size.Valid() {
		return 0
	}
	mp := float64(r.Size.Area()) / 1_000_000.0
	return math.Round(mp*100) / 100
}

func (r Resolution) String() string {
	return fmt.Sprintf("%s (%s, %.2fMP)", r.Name, r.Size, r.MegaPixels())
}

var resolutions = []Resolution{
	{Name: ResolutionTypeQVGA, AspectRatio: AspectRatio43, Size: Size{Width: 320, Height: 240}},
	{Name: ResolutionTypeVGA, AspectRatio: AspectRatio43, Size: Size{Width: 640, Height: 480}},
	{Name: ResolutionTypeNHD, AspectRatio: AspectRatio169, Size: Size{Width: 640, Height: 360}},
	{Name: ResolutionTypeSVGA, AspectRatio: AspectRatio43, Size: Size{Width: 800, Height: 600}},
	{Name: ResolutionTypeFWVGA, AspectRatio: AspectRatio169, Size: Size{Width: 854, Height: 480}},
	{Name: ResolutionTypeQHD540, AspectRatio: AspectRatio169, Size: Size{Width: 960, Height: 540}},
	{Name: ResolutionTypeHD720p, AspectRatio: AspectRatio169, Size: Size{Width: 1280, Height: 720}},
	{Name: ResolutionType1MP54, AspectRatio: AspectRatio54, Size: Size{Width: 1280, Height: 1024}},
	{Name: ResolutionTypeFHD1080p, AspectRatio: AspectRatio169, Size: Size{Width: 1920, Height: 1080}},
	{Name: ResolutionType2MP43, AspectRatio: AspectRatio43, Size: Size{Width: 1600, Height: 1200}},
	{Name: ResolutionTypeQHD1440p, AspectRatio: AspectRatio169, Size: Size{Width: 2560, Height: 1440}},
	{Name: ResolutionType3MP43, AspectRatio: AspectRatio43, Size: Size{Width: 2048, Height: 1536}},
	{Name: ResolutionType6MP32, AspectRatio: AspectRatio32, Size: Size{Width: 3072, Height: 2048}},
	{Name: ResolutionType4KUHD, AspectRatio: AspectRatio169, Size: Size{Width: 3840, Height: 2160}},
}

// ResolutionByType retrieves a resolution by its type.
func ResolutionByType(t ResolutionType) (Resolution, bool) {
	for _, r := range resolutions {
		if r.Name == t {
			return r, true
		}
	}
	return Resolution{}, false
}

// SizesWithin returns the standard sizes that fit inside native, plus native
// itself, ordered from the largest area to the smallest. Drivers that cannot
// enumerate sensor modes advertise these as their stream sizes.
//
// Arguments:
//   - native: The largest size the device produces.
//
// Returns:
//   - []Size: Candidate stream sizes, never containing duplicates.
func SizesWithin(native Size) []Size {
	if !native.Valid() {
		return nil
	}

	out := []Size{native}
	for _, r := range resolutions {
		if r.Size == native {
			continue
		}
		if r.Size.Width <= native.Width && r.Size.Height <= native.Height {
			out = append(out, r.Size)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Area() > out[j].Area()
	})
	return out
}
