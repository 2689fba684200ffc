package meme

// Tier names the model class a request is routed to.
type Tier string

const (
	TierQuality Tier = "quality"
	TierFast    Tier = "fast"
)

const (
	smallResolution = 512
	largeResolution = 1024
)

// Selection is the model and image size chosen for a request.
type Selection struct {
	Tier   Tier
	Model  string
	Width  int
	Height int
}

// ModelPolicy maps request flags to a backend model.
//
//	fast_mode  small_image  model    size
//	false      false        quality  1024x1024
//	false      true         quality  512x512
//	true       false        fast     1024x1024
//	true       true         fast     512x512
type ModelPolicy struct {
	QualityModel string
	FastModel    string
}

// Select applies the table above.
func (p ModelPolicy) Select(req Request) Selection {
	sel := Selection{Tier: TierQuality, Model: p.QualityModel}
	if req.FastMode {
		sel.Tier = TierFast
		sel.Model = p.FastModel
	}

	size := largeResolution
	if req.SmallImage {
		size = smallResolution
	}
	sel.Width, sel.Height = size, size
	return sel
}
