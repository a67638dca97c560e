package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Testvej 1, 8000 Aarhus C", "testvej-1-8000-aarhus-c"},
		{"danish letters", "Søndergade 12, 9000 Ålborg", "soendergade-12-9000-aalborg"},
		{"ae ligature", "Næstvedvej 3, 4700 Næstved", "naestvedvej-3-4700-naestved"},
		{"floor and door", "Vestergade 5, 2. th, 5000 Odense C", "vestergade-5-2-th-5000-odense-c"},
		{"repeated separators", "Havnegade  7,, 6700 Esbjerg", "havnegade-7-6700-esbjerg"},
		{"stray punctuation", "Åboulevard 1 (st.), 1635 København V", "aaboulevard-1-st-1635-koebenhavn-v"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Slugify(tc.in))
		})
	}
}
