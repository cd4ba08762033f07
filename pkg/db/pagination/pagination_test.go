package pagination

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cursor.ID != 42 {
		t.Fatalf("expected id 42, got %d", cursor.ID)
	}
}

func TestTrimReportsMore(t *testing.T) {
	rows := []int64{9, 8, 7}
	kept, info := Trim(rows, 2, func(v int64) int64 { return v })
	if len(kept) != 2 || !info.HasMore {
		t.Fatalf("expected 2 rows with more, got %d more=%v", len(kept), info.HasMore)
	}
	cursor, err := DecodeCursor(info.NextPageToken)
	if err != nil || cursor.ID != 8 {
		t.Fatalf("unexpected cursor %+v err=%v", cursor, err)
	}

	kept, info = Trim(rows, 5, func(v int64) int64 { return v })
	if len(kept) != 3 || info.HasMore {
		t.Fatalf("expected all rows without more")
	}
}

func TestLimitClamps(t *testing.T) {
	if got := (Pagination{}).Limit(); got != DefaultPageSize {
		t.Fatalf("default limit %d", got)
	}
	if got := (Pagination{PageSize: 1000}).Limit(); got != MaxPageSize {
		t.Fatalf("max limit %d", got)
	}
}
