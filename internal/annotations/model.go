package annotations

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"gorm.io/datatypes"
)

const (
	sessionIDSeparator  = "::"
	maxIdentifierLength = 1024

	// DefaultStrokeColor is applied when a stroke is added without a color.
	DefaultStrokeColor = "#FF4B4B"
	// DefaultStrokeWidth is applied when a stroke is added without a width.
	DefaultStrokeWidth = 3.0
	minStrokeWidth     = 1.0
	maxStrokeWidth     = 64.0
)

var (
	// ErrValidation is the root of every input rejection raised before a write transaction starts.
	ErrValidation = errors.New("annotations: validation failed")
	// ErrInvalidStrokePath indicates path geometry that does not begin with a move-to command.
	ErrInvalidStrokePath = fmt.Errorf("%w: stroke path must start with a move-to command", ErrValidation)
	// ErrInvalidInterval indicates a negative start or an end before the start.
	ErrInvalidInterval = fmt.Errorf("%w: invalid stroke interval", ErrValidation)
	// ErrInvalidOffset indicates a negative or non-finite time offset.
	ErrInvalidOffset = fmt.Errorf("%w: invalid time offset", ErrValidation)
	// ErrEmptyComment indicates comment text that is blank after trimming.
	ErrEmptyComment = fmt.Errorf("%w: comment text is empty", ErrValidation)
	// ErrSessionNotFound indicates a write against a session that does not exist.
	ErrSessionNotFound = fmt.Errorf("%w: session not found", ErrValidation)
	// ErrInvalidStrokeStyle indicates a malformed color or an out-of-range width.
	ErrInvalidStrokeStyle = fmt.Errorf("%w: invalid stroke style", ErrValidation)
	// ErrInvalidIdentifier indicates an empty or oversized id or uri.
	ErrInvalidIdentifier = fmt.Errorf("%w: invalid identifier", ErrValidation)
	// ErrUnknownParticipant indicates a session request naming a user or video that is not stored.
	ErrUnknownParticipant = fmt.Errorf("%w: user or video not found", ErrValidation)
	// ErrVideoNotFound indicates a duration update for a video that is not stored.
	ErrVideoNotFound = fmt.Errorf("%w: video not found", ErrValidation)

	moveToPattern = regexp.MustCompile(`(?i)^\s*M\s*-?\d+(\.\d+)?\s+-?\d+(\.\d+)?`)
	colorPattern  = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// Video is a playable source known to the local store.
type Video struct {
	ID              string `gorm:"column:id;primaryKey;size:1024;not null" json:"id"`
	URI             string `gorm:"column:uri;size:1024;not null;uniqueIndex:idx_videos_uri" json:"uri"`
	Title           string `gorm:"column:title;size:512;not null;default:''" json:"title"`
	DurationMillis  *int64 `gorm:"column:duration_ms" json:"durationMillis,omitempty"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null" json:"createdAtMillis"`
}

// TableName provides the explicit table binding for GORM.
func (Video) TableName() string {
	return "videos"
}

// Session groups the comments and strokes one user made on one video.
type Session struct {
	ID              string `gorm:"column:id;primaryKey;size:2100;not null" json:"id"`
	UserID          string `gorm:"column:user_id;size:190;not null;index:idx_sessions_user" json:"userId"`
	VideoID         string `gorm:"column:video_id;size:1024;not null;index:idx_sessions_video" json:"videoId"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null" json:"createdAtMillis"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null" json:"updatedAtMillis"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "annotation_sessions"
}

// Comment is a text note pinned to a video offset.
type Comment struct {
	ID              string `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	SessionID       string `gorm:"column:session_id;size:2100;not null;index:idx_comments_session_offset,priority:1" json:"sessionId"`
	Text            string `gorm:"column:text;type:text;not null" json:"text"`
	OffsetMillis    int64  `gorm:"column:t_ms;not null;index:idx_comments_session_offset,priority:2" json:"tMillis"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null" json:"createdAtMillis"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// StrokePoint is a raw pointer sample owned by its stroke.
type StrokePoint struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	OffsetMillis *int64  `json:"tMillis,omitempty"`
}

// Stroke is a freehand drawing visible from StartMillis until EndMillis, or indefinitely when EndMillis is nil.
type Stroke struct {
	ID              string                           `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	SessionID       string                           `gorm:"column:session_id;size:2100;not null;index:idx_strokes_session_start,priority:1" json:"sessionId"`
	StartMillis     int64                            `gorm:"column:start_ms;not null;index:idx_strokes_session_start,priority:2" json:"tStartMillis"`
	EndMillis       *int64                           `gorm:"column:end_ms" json:"tEndMillis,omitempty"`
	Color           string                           `gorm:"column:color;size:7;not null;default:'#FF4B4B'" json:"color"`
	Width           float64                          `gorm:"column:width;not null;default:3" json:"width"`
	Path            string                           `gorm:"column:path_d;type:text;not null" json:"d"`
	Points          datatypes.JSONSlice[StrokePoint] `gorm:"column:points;not null;default:'[]'" json:"points"`
	CreatedAtMillis int64                            `gorm:"column:created_at_ms;not null" json:"createdAtMillis"`
}

// TableName provides the explicit table binding for GORM.
func (Stroke) TableName() string {
	return "strokes"
}

// ActiveAt reports whether the stroke interval covers the offset.
func (s Stroke) ActiveAt(offsetMillis int64) bool {
	if s.StartMillis > offsetMillis {
		return false
	}
	return s.EndMillis == nil || *s.EndMillis >= offsetMillis
}

// SessionID derives the deterministic session identifier for a user and video pair.
func SessionID(userID, videoID string) string {
	return userID + sessionIDSeparator + videoID
}

// CommentInput carries a comment write request.
type CommentInput struct {
	SessionID    string
	Text         string
	OffsetMillis float64
}

// StrokeInput carries a stroke write request. Color and Width fall back to defaults when zero.
type StrokeInput struct {
	SessionID   string
	Path        string
	StartMillis float64
	EndMillis   *float64
	Color       string
	Width       float64
	Points      []StrokePoint
}

type validComment struct {
	sessionID    string
	text         string
	offsetMillis int64
}

type validStroke struct {
	sessionID   string
	path        string
	startMillis int64
	endMillis   *int64
	color       string
	width       float64
	points      []StrokePoint
}

func normalizeIdentifier(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentifier, maxIdentifierLength)
	}
	return trimmed, nil
}

// RoundOffset converts a fractional millisecond offset into a stored whole-millisecond offset.
func RoundOffset(offsetMillis float64) (int64, error) {
	if math.IsNaN(offsetMillis) || math.IsInf(offsetMillis, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidOffset, offsetMillis)
	}
	rounded := int64(math.Round(offsetMillis))
	if rounded < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidOffset, rounded)
	}
	return rounded, nil
}

// SecondsToMillis converts a playback position in seconds into whole milliseconds.
func SecondsToMillis(seconds float64) (int64, error) {
	return RoundOffset(seconds * 1000)
}

func (input CommentInput) validate() (validComment, error) {
	sessionID, err := normalizeIdentifier(input.SessionID)
	if err != nil {
		return validComment{}, err
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return validComment{}, ErrEmptyComment
	}
	offset, err := RoundOffset(input.OffsetMillis)
	if err != nil {
		return validComment{}, err
	}
	return validComment{sessionID: sessionID, text: text, offsetMillis: offset}, nil
}

// ValidateStrokePath reports whether the path geometry begins with a move-to command.
func ValidateStrokePath(path string) error {
	if !moveToPattern.MatchString(path) {
		return ErrInvalidStrokePath
	}
	return nil
}

func (input StrokeInput) validate() (validStroke, error) {
	sessionID, err := normalizeIdentifier(input.SessionID)
	if err != nil {
		return validStroke{}, err
	}
	if err := ValidateStrokePath(input.Path); err != nil {
		return validStroke{}, err
	}

	start, err := RoundOffset(input.StartMillis)
	if err != nil {
		return validStroke{}, fmt.Errorf("%w: start: %w", ErrInvalidInterval, err)
	}
	var end *int64
	if input.EndMillis != nil {
		endValue, err := RoundOffset(*input.EndMillis)
		if err != nil {
			return validStroke{}, fmt.Errorf("%w: end: %w", ErrInvalidInterval, err)
		}
		if endValue < start {
			return validStroke{}, fmt.Errorf("%w: end %d precedes start %d", ErrInvalidInterval, endValue, start)
		}
		end = &endValue
	}

	color := strings.TrimSpace(input.Color)
	if color == "" {
		color = DefaultStrokeColor
	}
	if !colorPattern.MatchString(color) {
		return validStroke{}, fmt.Errorf("%w: color %q", ErrInvalidStrokeStyle, color)
	}
	width := input.Width
	if width == 0 {
		width = DefaultStrokeWidth
	}
	if math.IsNaN(width) || width < minStrokeWidth || width > maxStrokeWidth {
		return validStroke{}, fmt.Errorf("%w: width %v", ErrInvalidStrokeStyle, width)
	}

	points := make([]StrokePoint, 0, len(input.Points))
	for index, point := range input.Points {
		if math.IsNaN(point.X) || math.IsNaN(point.Y) || math.IsInf(point.X, 0) || math.IsInf(point.Y, 0) {
			return validStroke{}, fmt.Errorf("%w: point %d is not finite", ErrInvalidStrokePath, index)
		}
		copied := point
		if point.OffsetMillis != nil {
			offset := *point.OffsetMillis
			copied.OffsetMillis = &offset
		}
		points = append(points, copied)
	}

	return validStroke{
		sessionID:   sessionID,
		path:        input.Path,
		startMillis: start,
		endMillis:   end,
		color:       strings.ToUpper(color),
		width:       width,
		points:      points,
	}, nil
}

// FormatOffset renders a millisecond offset as HH:MM:SS:cc.
func FormatOffset(offsetMillis int64) string {
	if offsetMillis < 0 {
		offsetMillis = 0
	}
	hours := offsetMillis / 3_600_000
	minutes := (offsetMillis / 60_000) % 60
	seconds := (offsetMillis / 1000) % 60
	centis := (offsetMillis % 1000) / 10
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, centis)
}
