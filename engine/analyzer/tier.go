package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/vocerohq/vocero/store"
)

var tierLexicons = map[store.Tier]lexicon{
	store.TierEssential: {
		"basico", "economico", "sencillo", "lo mas barato", "para empezar",
		"algo simple", "minimo",
	},
	store.TierPro: {
		"profesional", "intermedio", "equilibrado", "plan medio", "estandar",
	},
	store.TierElite: {
		"lo mejor", "premium", "vip", "completo", "todo incluido",
		"exclusivo", "el mas completo", "top",
	},
}

var priceSensitivityLexicon = lexicon{
	"caro", "costoso", "precio", "presupuesto", "descuento", "no puedo pagar",
	"cuanto cuesta", "barato", "economico",
}

// TierAnalyzer recommends a pricing tier from explicit tier language and
// price sensitivity. Premium interest upgrades to the program-branded tier.
type TierAnalyzer struct{}

func NewTierAnalyzer() *TierAnalyzer { return &TierAnalyzer{} }

func (*TierAnalyzer) Kind() Kind { return KindTier }

func (*TierAnalyzer) Neutral() TierResult {
	return TierResult{Tier: store.TierPro, Confidence: 0.4, PriceSensitivity: "low"}
}

func (a *TierAnalyzer) Analyze(_ context.Context, snap Snapshot) (TierResult, error) {
	text := normalize(snap.UserText)

	best := store.Tier("")
	bestHits := []string(nil)
	for _, tier := range []store.Tier{store.TierEssential, store.TierPro, store.TierElite} {
		hits := tierLexicons[tier].match(text)
		if len(hits) > len(bestHits) {
			best, bestHits = tier, hits
		}
	}

	priceHits := priceSensitivityLexicon.count(text)
	sensitivity := "low"
	switch {
	case priceHits >= 2 || strings.Contains(text, "caro") || strings.Contains(text, "no puedo pagar"):
		sensitivity = "high"
	case priceHits == 1:
		sensitivity = "medium"
	}

	if best == "" {
		result := a.Neutral()
		result.PriceSensitivity = sensitivity
		// Strong price sensitivity with no tier language reads as essential.
		if sensitivity == "high" {
			result.Tier = store.TierEssential
			result.Confidence = 0.5
			result.Reasoning = "price-sensitive with no explicit tier preference"
		}
		return result, nil
	}

	// Premium interest maps to the program-branded top tier.
	if best == store.TierElite {
		switch snap.Program {
		case store.ProgramPrime:
			best = store.TierPrimePremium
		case store.ProgramLongevity:
			best = store.TierLongevityPremium
		}
	}

	return TierResult{
		Tier:             best,
		Confidence:       scoreHits(0.4, 0.15, len(bestHits), 0.95),
		Reasoning:        fmt.Sprintf("tier indicators: %s", strings.Join(bestHits, ", ")),
		PriceSensitivity: sensitivity,
	}, nil
}
