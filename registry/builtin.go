package registry

import "time"

// Pipeline types and step names for the two source pipelines. The step
// names double as keys in the consolidated result payload.
const (
	PipelinePostAnalysis = "post_analysis"
	PipelineStoryComment = "story_comment"

	StepVisual   = "visual"
	StepVision   = "vision"
	StepFace     = "face"
	StepOCR      = "ocr"
	StepVideo    = "video"
	StepMetadata = "metadata"
	StepGenerate = "generate"
)

// Attribute and flag keys consulted by the builtin requirement predicates.
const (
	AttrMediaKind = "media_kind"

	MediaKindImage = "image"
	MediaKindVideo = "video"

	FlagGenerateComments = "generate_comments"
)

// PostAnalysis returns the captured-post analysis pipeline: visual, face,
// OCR, and metadata always run; video analysis only when the captured
// media is a video.
func PostAnalysis() PipelineDef {
	return PipelineDef{
		Type: PipelinePostAnalysis,
		Steps: []StepDef{
			{Name: StepVisual, Queue: "analysis.visual"},
			{Name: StepFace, Queue: "analysis.face"},
			{Name: StepOCR, Queue: "analysis.ocr"},
			{
				Name:       StepVideo,
				Queue:      "analysis.video",
				StaleAfter: 10 * time.Minute, // frame extraction and transcription are slow
				Required: func(attrs TargetAttrs, _ TaskFlags) bool {
					return attrs[AttrMediaKind] == MediaKindVideo
				},
			},
			{Name: StepMetadata, Queue: "analysis.metadata"},
		},
	}
}

// StoryComment returns the story-event pipeline: OCR, vision, face, and
// metadata analysis, followed by a comment-generation stage gated by the
// generate_comments task flag.
func StoryComment() PipelineDef {
	return PipelineDef{
		Type: PipelineStoryComment,
		Steps: []StepDef{
			{Name: StepOCR, Queue: "analysis.ocr"},
			{Name: StepVision, Queue: "analysis.vision"},
			{Name: StepFace, Queue: "analysis.face"},
			{Name: StepMetadata, Queue: "analysis.metadata"},
			{
				Name:       StepGenerate,
				Queue:      "generation.comments",
				StaleAfter: 5 * time.Minute,
				Required: func(_ TargetAttrs, flags TaskFlags) bool {
					return flags[FlagGenerateComments]
				},
			},
		},
	}
}

// Builtin returns a Registry with both source pipelines registered.
func Builtin() *Registry {
	return MustNew(PostAnalysis(), StoryComment())
}
