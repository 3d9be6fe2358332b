package pipeline

import (
	"fmt"
	"strings"

	"github.com/contaspt/media-ingest/analyzer"
	"github.com/contaspt/media-ingest/whatsapp"
)

// Replies sent to WhatsApp users. The product's users are Spanish and
// Portuguese speaking, so the copy is in Spanish.
const (
	msgHelp = "📱 Solo puedo procesar imágenes y documentos.\n\n" +
		"📸 Envía una foto o un PDF de tu factura o recibo y lo analizaré automáticamente."

	msgProcessing = "📥 **Procesando documento**\n\n🤖 Analizando con IA...\n\n✅ Te notificaré cuando esté listo."

	msgAlreadyProcessed = "📄 **Imagen ya procesada**\n\nEsta imagen ya fue analizada anteriormente.\n\n✅ Ya aparece en tu panel de control."

	msgDownloadFailed = "❌ Error al descargar la imagen\n\n🔍 No se pudo descargar la imagen de WhatsApp. Inténtalo de nuevo."

	msgAnalysisDelayed = "⚠️ **Procesando documento**\n\n🤖 El análisis está tardando más de lo esperado.\n\n✅ Recibirás los resultados cuando esté listo."
)

func unsupportedMessage(mimeType string) string {
	return fmt.Sprintf("⚠️ Tipo de archivo no soportado (%s).\n\n📎 Formatos aceptados: %s",
		mimeType, strings.Join(whatsapp.SupportedExtensions(), ", "))
}

func successMessage(res *analyzer.Result) string {
	vendor := res.ExtractedData.VendorName
	if vendor == "" || vendor == analyzer.UnknownVendor {
		vendor = "Proveedor"
	}
	return fmt.Sprintf("✅ **Documento procesado**\n\n📄 %s\n💰 Total: €%.2f\n🎯 Confidencia: %.1f%%\n\n✅ Ya está disponible en tu panel.",
		vendor, res.ExtractedData.TotalAmount.Float(), res.Confidence*100)
}
