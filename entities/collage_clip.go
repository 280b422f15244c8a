package entities

// MediaHandle is the probed description of a clip's source file, kept on the
// clip so rendering does not probe twice.
type MediaHandle struct {
	Path     string
	Duration float64
	Width    int
	Height   int
	Rotation int
	HasAudio bool
}

// CollageClip is one participant of a collage composition.
type CollageClip struct {
	SourceID          string       `json:"source_id"`
	Media             *MediaHandle `json:"-"`
	OriginalDuration  float64      `json:"original_duration"`
	AllocatedDuration float64      `json:"allocated_duration"`
	TrimStart         float64      `json:"trim_start"`
	IsMain            bool         `json:"is_main"`
}

// TrimEnd is the allocated window end, never past the source's end.
func (c CollageClip) TrimEnd() float64 {
	end := c.TrimStart + c.AllocatedDuration
	if end > c.OriginalDuration {
		return c.OriginalDuration
	}
	return end
}

// PlayedDuration is how much of the clip actually ends up in the collage.
func (c CollageClip) PlayedDuration() float64 {
	d := c.TrimEnd() - c.TrimStart
	if d < 0 {
		return 0
	}
	return d
}
