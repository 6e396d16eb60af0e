package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/go-pdf/fpdf"
	"github.com/sirupsen/logrus"
)

// Artifact 已生成的报告
type Artifact struct {
	Path string
	URL  string
}

// Generator 报告生成器
type Generator interface {
	Generate(ctx context.Context, rec *domain.ScanRecord) (*Artifact, error)
}

const (
	maxListedPermissions = 25
	levelName            = "Static Scan (Demo Mode)"
	footerText           = "Generated by Android Adware Scanner Demo • Educational Use Only"
	disclaimerText       = "This report is generated by a demonstration/mockup tool for educational purposes only. " +
		"The analysis uses permission pattern matching and should NOT be used for actual security decisions. " +
		"For production security analysis, use professional tools with real machine learning models, " +
		"dynamic analysis, and behavioral monitoring. Always exercise caution when installing APK files " +
		"from sources outside official app stores."
)

type recommendation struct {
	Title string
	Desc  string
}

var recommendations = []recommendation{
	{"Verify Source", "Only download APK files from trusted sources like Google Play Store or the developer's official website."},
	{"Review Permissions", "Carefully inspect all requested permissions. Avoid apps requesting excessive or unnecessary permissions."},
	{"Check Signature", "Validate the APK's digital signature to ensure it hasn't been tampered with."},
	{"Use Security Tools", "Employ reliable anti-malware tools for comprehensive analysis before installation."},
	{"Research Reviews", "Check user reviews, ratings, and feedback from trusted sources online."},
	{"Keep Backups", "Maintain regular device backups to protect against potential data loss."},
	{"Monitor Behavior", "Watch for unusual app behavior after installation (excessive battery drain, data usage)."},
	{"Update Regularly", "Keep your Android OS and apps updated with the latest security patches."},
}

var permissionPrefixes = []struct{ full, short string }{
	{"android.permission.", ""},
	{"com.google.android.c2dm.permission.", "c2dm."},
	{"com.google.android.gms.permission.", "gms."},
	{"com.android.launcher.permission.", "launcher."},
	{"com.google.android.providers.gsf.permission.", "gsf."},
}

// ShortenPermission 去掉常见权限前缀
func ShortenPermission(perm string) string {
	for _, p := range permissionPrefixes {
		if strings.HasPrefix(perm, p.full) {
			return p.short + strings.TrimPrefix(perm, p.full)
		}
	}
	return perm
}

// DownloadName 下载时展示的文件名
func DownloadName(fileName string) string {
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	return fmt.Sprintf("Static Scan (%s).pdf", base)
}

type rgb struct{ r, g, b int }

var (
	colorTitle    = rgb{0x66, 0x7e, 0xea}
	colorSubtitle = rgb{0x76, 0x4b, 0xa2}
	colorInfo     = rgb{0x66, 0x66, 0x66}
	colorText     = rgb{0x2c, 0x3e, 0x50}
	colorFooter   = rgb{0x99, 0x99, 0x99}
)

// verdictColors 结论框的文字色与底色
func verdictColors(v domain.Verdict) (fg, bg rgb, prefix string) {
	switch v.Kind {
	case domain.VerdictAdwareDetected:
		return rgb{0xe7, 0x4c, 0x3c}, rgb{0xff, 0xe5, 0xe5}, "[!]"
	case domain.VerdictAnalysisError:
		return rgb{0xf3, 0x9c, 0x12}, rgb{0xff, 0xf3, 0xe0}, "[!]"
	default:
		return rgb{0x27, 0xae, 0x60}, rgb{0xe8, 0xf8, 0xf5}, "[OK]"
	}
}

// PDFGenerator 生成 PDF 扫描报告
type PDFGenerator struct {
	outputDir string
	logger    *logrus.Logger
	now       func() time.Time
}

// NewPDFGenerator 创建 PDF 报告生成器
func NewPDFGenerator(outputDir string, logger *logrus.Logger) *PDFGenerator {
	return &PDFGenerator{
		outputDir: outputDir,
		logger:    logger,
		now:       time.Now,
	}
}

// Generate 为扫描记录生成报告文件
func (g *PDFGenerator) Generate(ctx context.Context, rec *domain.ScanRecord) (*Artifact, error) {
	if rec.Verdict == nil {
		return nil, errors.New("scan has no verdict")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(g.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}
	path := filepath.Join(g.outputDir, rec.ID+"_report.pdf")

	pdf := g.render(rec)
	if err := pdf.OutputFileAndClose(path); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"scan_id":   rec.ID,
		"file_name": rec.FileName,
		"path":      path,
	}).Info("PDF report generated")

	return &Artifact{Path: path}, nil
}

func (g *PDFGenerator) render(rec *domain.ScanRecord) *fpdf.Fpdf {
	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetMargins(19, 13, 19)
	pdf.SetAutoPageBreak(true, 18)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	setColor := func(c rgb) { pdf.SetTextColor(c.r, c.g, c.b) }

	pdf.SetFooterFunc(func() {
		pdf.SetY(-13)
		pdf.SetFont("Helvetica", "", 8)
		setColor(colorFooter)
		pdf.CellFormat(0, 8, tr(footerText), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	// 标题
	pdf.SetFont("Helvetica", "B", 24)
	setColor(colorTitle)
	pdf.CellFormat(0, 12, "APK Security Analysis Report", "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 14)
	setColor(colorSubtitle)
	pdf.CellFormat(0, 9, levelName, "", 1, "C", false, 0, "")
	pdf.Ln(6)

	infoLine := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 10)
		setColor(colorInfo)
		pdf.CellFormat(pdf.GetStringWidth(label)+2, 6, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 6, tr(value), "", 1, "L", false, 0, "")
	}
	infoLine("File Name:", rec.FileName)
	infoLine("Scan Date:", g.now().Format("January 02, 2006 at 03:04 PM"))
	infoLine("Analysis Type:", "Permission Pattern Detection")
	pdf.Ln(6)

	section := func(title string) {
		pdf.SetFont("Helvetica", "B", 16)
		setColor(colorTitle)
		pdf.CellFormat(0, 10, title, "", 1, "L", false, 0, "")
	}

	section("Analysis Results")

	verdict := *rec.Verdict
	fg, bg, prefix := verdictColors(verdict)
	pdf.SetFillColor(bg.r, bg.g, bg.b)
	pdf.SetDrawColor(fg.r, fg.g, fg.b)
	pdf.SetLineWidth(0.7)
	pdf.SetFont("Helvetica", "B", 14)
	setColor(fg)
	pdf.CellFormat(0, 14, prefix+" "+verdict.Prediction(), "1", 1, "C", true, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 11)
	setColor(colorText)
	pdf.CellFormat(38, 7, "Confidence Score:", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 7, fmt.Sprintf("%.1f%%", verdict.Confidence*100), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	if len(rec.Permissions) > 0 {
		section("Detected Permissions")
		pdf.SetFont("Helvetica", "", 10)
		setColor(colorInfo)
		pdf.CellFormat(0, 6, fmt.Sprintf("This APK requests %d permission(s):", len(rec.Permissions)), "", 1, "L", false, 0, "")
		pdf.Ln(2)

		pdf.SetFont("Helvetica", "", 9)
		setColor(colorText)
		for i, perm := range rec.Permissions {
			if i == maxListedPermissions {
				break
			}
			pdf.SetX(26)
			pdf.CellFormat(0, 5, tr(fmt.Sprintf("%d. %s", i+1, ShortenPermission(perm))), "", 1, "L", false, 0, "")
		}
		if extra := len(rec.Permissions) - maxListedPermissions; extra > 0 {
			pdf.SetX(26)
			pdf.CellFormat(0, 5, fmt.Sprintf("... and %d more permissions", extra), "", 1, "L", false, 0, "")
		}
		pdf.Ln(6)
	}

	section("Security Recommendations")
	for i, r := range recommendations {
		pdf.SetFont("Helvetica", "", 9)
		setColor(colorText)
		pdf.CellFormat(8, 5, fmt.Sprintf("%d.", i+1), "", 0, "R", false, 0, "")
		pdf.SetFont("Helvetica", "B", 9)
		setColor(colorTitle)
		pdf.CellFormat(34, 5, r.Title+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		setColor(colorText)
		pdf.MultiCell(0, 5, tr(r.Desc), "", "L", false)
		pdf.Ln(1)
	}
	pdf.Ln(5)

	section("Important Disclaimer")
	pdf.SetFont("Helvetica", "", 9)
	setColor(colorInfo)
	pdf.MultiCell(0, 4.5, disclaimerText, "", "J", false)

	return pdf
}
