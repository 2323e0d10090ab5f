package annotations

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/store"
)

func TestAddCommentAtOnePointFiveSeconds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.session(t, "u_1", "clip.mp4")

	offset, err := SecondsToMillis(1.5)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if _, err := f.repos.Comments.Add(ctx, CommentInput{SessionID: session.ID, Text: "great shot", OffsetMillis: float64(offset)}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	comments, err := f.repos.Comments.ListForSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("expected exactly one comment, got %d", len(comments))
	}
	if comments[0].OffsetMillis != 1500 || comments[0].Text != "great shot" {
		t.Fatalf("unexpected comment %+v", comments[0])
	}
}

func TestAddCommentRoundsAndOrdersByOffset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.session(t, "u_1", "clip.mp4")

	for _, input := range []CommentInput{
		{SessionID: session.ID, Text: "late", OffsetMillis: 9000.4},
		{SessionID: session.ID, Text: "  early  ", OffsetMillis: 100.6},
		{SessionID: session.ID, Text: "middle", OffsetMillis: 4000},
	} {
		if _, err := f.repos.Comments.Add(ctx, input); err != nil {
			t.Fatalf("add %q failed: %v", input.Text, err)
		}
	}

	comments, err := f.repos.Comments.ListForSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	expected := []struct {
		text   string
		offset int64
	}{{"early", 101}, {"middle", 4000}, {"late", 9000}}
	for index, want := range expected {
		if comments[index].Text != want.text || comments[index].OffsetMillis != want.offset {
			t.Fatalf("position %d: expected %+v, got %+v", index, want, comments[index])
		}
	}
}

func TestAddCommentValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.session(t, "u_1", "clip.mp4")

	cases := []struct {
		name  string
		input CommentInput
		want  error
	}{
		{name: "blank text", input: CommentInput{SessionID: session.ID, Text: "   ", OffsetMillis: 1}, want: ErrEmptyComment},
		{name: "negative offset", input: CommentInput{SessionID: session.ID, Text: "x", OffsetMillis: -5}, want: ErrInvalidOffset},
		{name: "missing session", input: CommentInput{SessionID: "u_9::none", Text: "x", OffsetMillis: 1}, want: ErrSessionNotFound},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := f.repos.Comments.Add(ctx, testCase.input)
			if !errors.Is(err, testCase.want) || !errors.Is(err, ErrValidation) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}

	rows, err := store.Find[Comment](ctx, f.store.Reader(ctx), store.Query{})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows after rejected writes, got %d", len(rows))
	}
}

func TestListAroundIncludesWindowBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.session(t, "u_1", "clip.mp4")
	for _, offset := range []float64{2999, 3000, 5000, 7000, 7001} {
		if _, err := f.repos.Comments.Add(ctx, CommentInput{SessionID: session.ID, Text: "c", OffsetMillis: offset}); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	near, err := f.repos.Comments.ListAround(ctx, session.ID, 5000, 0)
	if err != nil {
		t.Fatalf("list around failed: %v", err)
	}
	if len(near) != 3 || near[0].OffsetMillis != 3000 || near[2].OffsetMillis != 7000 {
		t.Fatalf("unexpected default-window result: %+v", near)
	}

	narrow, err := f.repos.Comments.ListAround(ctx, session.ID, 5000, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("list around failed: %v", err)
	}
	if len(narrow) != 1 || narrow[0].OffsetMillis != 5000 {
		t.Fatalf("unexpected narrow-window result: %+v", narrow)
	}

	everything, err := f.repos.Comments.ListAround(ctx, session.ID, math.MaxInt64, time.Duration(math.MaxInt64))
	if err != nil {
		t.Fatalf("list around failed: %v", err)
	}
	if len(everything) != 0 {
		t.Fatalf("expected the saturated window far from the comments to be empty, got %d", len(everything))
	}
	wide, err := f.repos.Comments.ListAround(ctx, session.ID, 5000, time.Duration(math.MaxInt64))
	if err != nil {
		t.Fatalf("list around failed: %v", err)
	}
	if len(wide) != 5 {
		t.Fatalf("expected a saturated window to include every comment, got %d", len(wide))
	}
}

func TestWindowBoundsSaturate(t *testing.T) {
	cases := []struct {
		center, window, lower, upper int64
	}{
		{center: 5000, window: 2000, lower: 3000, upper: 7000},
		{center: 1000, window: 2000, lower: 0, upper: 3000},
		{center: math.MaxInt64 - 1, window: 10, lower: math.MaxInt64 - 11, upper: math.MaxInt64},
		{center: 10, window: math.MaxInt64, lower: 0, upper: math.MaxInt64},
	}
	for _, tc := range cases {
		lower, upper := windowBounds(tc.center, tc.window)
		if lower != tc.lower || upper != tc.upper {
			t.Fatalf("windowBounds(%d, %d) = [%d, %d], want [%d, %d]", tc.center, tc.window, lower, upper, tc.lower, tc.upper)
		}
	}
}

func TestFormatOffset(t *testing.T) {
	cases := map[int64]string{
		0:         "00:00:00:00",
		1500:      "00:00:01:50",
		61_234:    "00:01:01:23",
		3_723_990: "01:02:03:99",
		-40:       "00:00:00:00",
	}
	for input, expected := range cases {
		if got := FormatOffset(input); got != expected {
			t.Fatalf("FormatOffset(%d): expected %s, got %s", input, expected, got)
		}
	}
}
