package tgui

import "testing"

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()
	d := Data("settings", "subscribe", "alerts")
	if d != "settings:subscribe:alerts" {
		t.Fatalf("Data = %q", d)
	}
	s, a, p := ParseData(d)
	if s != "settings" || a != "subscribe" || p != "alerts" {
		t.Fatalf("ParseData = %q %q %q", s, a, p)
	}
	if s, a, p := ParseData("noop"); s != "noop" || a != "" || p != "" {
		t.Fatalf("ParseData(noop) = %q %q %q", s, a, p)
	}
}

func TestHTMLEscaping(t *testing.T) {
	t.Parallel()
	if got := B("a<b>&c"); got != "<b>a&lt;b&gt;&amp;c</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := JoinH(", ", Code("1"), "", Esc("x")); got != "<code>1</code>, x" {
		t.Fatalf("JoinH = %q", got)
	}
	if got := TruncRunes("привіт", 3); got != "при…" {
		t.Fatalf("TruncRunes = %q", got)
	}
}

func TestInlineRows(t *testing.T) {
	t.Parallel()
	kb := NewInline().
		Row(Btn(Toggle("Тривога", true), "a")).
		Row(Btn(Toggle("Тижні", false), "b"))
	rows := kb.Rows()
	if len(rows) != 2 || rows[0][0].Text != "✅ Тривога" || rows[1][0].Text != "❌ Тижні" {
		t.Fatalf("rows = %+v", rows)
	}
	if kb.Markup() == nil || len(kb.Markup().InlineKeyboard) != 2 {
		t.Fatalf("markup not populated")
	}
}
