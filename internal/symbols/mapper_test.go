package symbols

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Tata Steel Limited", "TATSTE"},
		{"reliance", "RELIND"},
		{" INFY ", "INFTEC"},
		{"Bajaj Finance", "BAJFI"},
		{"Hero-Motocorp", "HEROMOTOCORP"},
		{"BAJFINANCE", "BAJFI"},
		{"Dixon Technologies Ltd.", "DIXON"},
		{"TCS", "TCS"},
		{"UNKNOWNCO", "UNKNOWNCO"},
		{"M.R.F", "MRF"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAllDedupes(t *testing.T) {
	got := NormalizeAll([]string{"INFY", "Infosys", "", "TVS", "tvs motor"})
	if len(got) != 2 || got[0] != "INFTEC" || got[1] != "TVSMOT" {
		t.Errorf("NormalizeAll = %v", got)
	}
}
