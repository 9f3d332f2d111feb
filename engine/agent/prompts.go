package agent

import (
	"fmt"
	"strings"

	"github.com/vocerohq/vocero/engine/analyzer"
	"github.com/vocerohq/vocero/engine/decision"
	"github.com/vocerohq/vocero/store"
)

// Base system prompts keyed by program type. The templates fix persona and
// guardrails; per-turn sections are appended by buildSystemPrompt.
var basePrompts = map[store.ProgramType]string{
	store.ProgramPrime: `Eres un asesor de ventas consultivo de VoceroHQ para el programa PRIME,
un plan de optimización de energía y rendimiento para adultos activos.

## Reglas
1. Responde siempre en español, cálido y profesional, máximo 3 frases por turno.
2. Haz una sola pregunta por turno y escucha antes de presentar.
3. Nunca inventes precios, descuentos ni resultados médicos.
4. Si el cliente rechaza claramente, agradece y despídete sin insistir.`,

	store.ProgramLongevity: `Eres un asesor de ventas consultivo de VoceroHQ para el programa LONGEVITY,
un plan de envejecimiento saludable y prevención a largo plazo.

## Reglas
1. Responde siempre en español, sereno y cercano, máximo 3 frases por turno.
2. Prioriza la tranquilidad del cliente; evita urgencia artificial.
3. Nunca inventes precios, descuentos ni resultados médicos.
4. Si el cliente rechaza claramente, agradece y despídete sin insistir.`,

	store.ProgramHybrid: `Eres un asesor de ventas consultivo de VoceroHQ. El cliente aún no tiene
programa asignado; explora si busca energía y rendimiento (PRIME) o prevención
y envejecimiento saludable (LONGEVITY).

## Reglas
1. Responde siempre en español, máximo 3 frases por turno.
2. Tu prioridad es entender el objetivo principal del cliente.
3. Nunca inventes precios, descuentos ni resultados médicos.`,
}

// Greeting fallbacks when the LLM is unavailable at session start.
var greetingFallbacks = map[store.ProgramType]string{
	store.ProgramPrime:     "¡Hola%s! Soy tu asesor del programa PRIME. ¿Qué te gustaría mejorar de tu energía y rendimiento?",
	store.ProgramLongevity: "¡Hola%s! Soy tu asesora del programa LONGEVITY. ¿Qué aspecto de tu salud a largo plazo te interesa cuidar?",
	store.ProgramHybrid:    "¡Hola%s! Soy tu asesor de bienestar. Cuéntame, ¿qué te trae por aquí hoy?",
}

// FarewellMessage is the closing line appended when a conversation ends
// without the customer converting.
func FarewellMessage(program store.ProgramType) string {
	if program == store.ProgramLongevity {
		return "Gracias por tu tiempo. Si más adelante quieres retomar el tema de tu salud a largo plazo, aquí estaré. ¡Cuídate mucho!"
	}
	return "Gracias por tu tiempo. Si más adelante quieres retomar la conversación, aquí estaré. ¡Que tengas un excelente día!"
}

// ClosingMessage confirms an agreed next step when the customer converts.
func ClosingMessage() string {
	return "¡Excelente decisión! En breve recibirás los detalles para dar el siguiente paso. Gracias por tu confianza."
}

// TransferMessage announces the handoff to a human advisor.
func TransferMessage() string {
	return "Por supuesto, te pongo en contacto con un asesor humano que seguirá atendiéndote desde aquí. Un momento, por favor."
}

// ProgramSwitchMessage explains a mid-conversation program change.
func ProgramSwitchMessage(to store.ProgramType) string {
	if to == store.ProgramLongevity {
		return "Por lo que me cuentas, creo que el programa LONGEVITY encaja mejor contigo: está pensado para cuidar tu salud a largo plazo. Déjame contarte cómo funciona."
	}
	return "Por lo que me cuentas, creo que el programa PRIME encaja mejor contigo: está enfocado en recuperar energía y rendimiento. Déjame contarte cómo funciona."
}

// FollowUpMessage re-engages a customer who asked for time to decide.
func FollowUpMessage(program store.ProgramType, customer store.CustomerData) string {
	name := ""
	if n := strings.TrimSpace(customer.Name); n != "" {
		name = " " + n
	}
	if program == store.ProgramLongevity {
		return fmt.Sprintf("¡Hola%s! Hace unos días hablamos del programa LONGEVITY y quedaste en pensarlo. ¿Tuviste oportunidad de darle una vuelta? Con gusto resuelvo cualquier duda.", name)
	}
	return fmt.Sprintf("¡Hola%s! Hace unos días hablamos del programa PRIME y quedaste en pensarlo. ¿Tuviste oportunidad de darle una vuelta? Con gusto resuelvo cualquier duda.", name)
}

// greetingInstruction asks the LLM for the opening line.
func greetingInstruction(customer store.CustomerData) string {
	name := strings.TrimSpace(customer.Name)
	if name == "" {
		return "Genera el saludo inicial de la conversación: preséntate, menciona el programa y termina con una pregunta abierta sobre sus objetivos."
	}
	return fmt.Sprintf("Genera el saludo inicial para %s: preséntate, menciona el programa y termina con una pregunta abierta sobre sus objetivos.", name)
}

func greetingFallback(program store.ProgramType, customer store.CustomerData) string {
	tpl, ok := greetingFallbacks[program]
	if !ok {
		tpl = greetingFallbacks[store.ProgramHybrid]
	}
	name := ""
	if n := strings.TrimSpace(customer.Name); n != "" {
		name = " " + n
	}
	return fmt.Sprintf(tpl, name)
}

// empathicGuidance converts the emotional read into a directive for the
// reply. Unknown or low-signal emotions leave the tone neutral.
func empathicGuidance(emotion analyzer.EmotionResult) string {
	if emotion.Confidence < 0.4 {
		return ""
	}
	switch emotion.Primary {
	case analyzer.EmotionAnxiety:
		return "El cliente muestra ansiedad: valida su preocupación antes de avanzar y evita presionar."
	case analyzer.EmotionFrustration:
		return "El cliente está frustrado: reconoce la molestia, sé directo y ofrece una salida concreta."
	case analyzer.EmotionEnthusiasm:
		return "El cliente está entusiasmado: acompaña su energía y propón el siguiente paso con naturalidad."
	case analyzer.EmotionDoubt:
		return "El cliente tiene dudas: aporta datos concretos, simplifica y confirma que te sigue."
	}
	return ""
}

// personaSection adapts register to the detected communication preferences.
func personaSection(p analyzer.PersonalityResult) string {
	if p.Confidence < 0.3 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Estilo del cliente\n")
	if p.CommunicationStyle != "" {
		fmt.Fprintf(&b, "- Comunicación: %s\n", p.CommunicationStyle)
	}
	if p.FormalityPreference != "" {
		fmt.Fprintf(&b, "- Trato: %s\n", p.FormalityPreference)
	}
	if p.DetailPreference != "" {
		fmt.Fprintf(&b, "- Nivel de detalle: %s\n", p.DetailPreference)
	}
	if p.PacePreference != "" {
		fmt.Fprintf(&b, "- Ritmo: %s\n", p.PacePreference)
	}
	return b.String()
}

// analyzerSection summarizes the turn's analyzer reads for the LLM.
func analyzerSection(bundle analyzer.Bundle) string {
	var b strings.Builder
	b.WriteString("## Lectura de la conversación\n")

	fmt.Fprintf(&b, "- Intención: %s (confianza %.2f)\n", bundle.Intent.Intent, bundle.Intent.Confidence)
	fmt.Fprintf(&b, "- Probabilidad de conversión: %s (%.0f%%)\n",
		bundle.Conversion.Category, bundle.Conversion.Probability*100)

	if top := bundle.Objections.Top(); top.Type != "" {
		fmt.Fprintf(&b, "- Objeción principal: %s (confianza %.2f)\n", top.Type, top.Confidence)
		for _, r := range top.SuggestedResponses {
			fmt.Fprintf(&b, "  - Respuesta sugerida: %s\n", r)
		}
	}
	for i, need := range bundle.Needs.Needs {
		if i >= 2 {
			break
		}
		fmt.Fprintf(&b, "- Necesidad detectada: %s (confianza %.2f)\n", need.Category, need.Confidence)
	}
	if bundle.Tier.Tier != "" && bundle.Tier.Confidence > 0 {
		fmt.Fprintf(&b, "- Plan recomendado: %s (confianza %.2f, sensibilidad al precio %s)\n",
			bundle.Tier.Tier, bundle.Tier.Confidence, bundle.Tier.PriceSensitivity)
	}
	return b.String()
}

// actionsSection lists the ranked next actions for the reply to follow.
func actionsSection(actions []decision.Action) string {
	if len(actions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Próximas acciones recomendadas\n")
	for i, a := range actions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a.Description)
	}
	b.WriteString("Guía tu respuesta por la primera acción; integra las demás solo si fluyen naturalmente.\n")
	return b.String()
}

// variantsSection surfaces active experiment adjustments.
func variantsSection(variants []map[string]any) string {
	lines := make([]string, 0, len(variants))
	for _, content := range variants {
		for key, value := range content {
			s, ok := value.(string)
			if !ok || s == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", key, s))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Ajustes activos\n" + strings.Join(lines, "\n") + "\n"
}
