package export

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const convertTimeout = 30 * time.Second

var chromeBinaries = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

// Reports are wide tables, so pages are A4 landscape.
const (
	a4LongEdge  = 11.69
	a4ShortEdge = 8.27
	pageMargin  = 0.5
)

const pdfFooter = `<div style="font-size:8px;width:100%;padding:0 0.5in;color:#555;">` +
	`<span class="title"></span><span style="float:right;">` +
	`<span class="pageNumber"></span> / <span class="totalPages"></span></span></div>`

func chromePath() (string, error) {
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no chromium or chrome binary on PATH", ErrPDFDependencyMissing)
}

// exportPDF prints the report with headless Chrome. The HTML is written
// straight into a blank page, so no URL encoding is involved.
func exportPDF(parent context.Context, html, title string) (*Result, error) {
	execPath, err := chromePath()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parent, convertTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var pdf []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithLandscape(true).
				WithPaperWidth(a4ShortEdge).
				WithPaperHeight(a4LongEdge).
				WithMarginTop(pageMargin).
				WithMarginBottom(pageMargin + 0.2).
				WithMarginLeft(pageMargin).
				WithMarginRight(pageMargin).
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(pdfFooter).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}

	return &Result{
		Data:     pdf,
		Filename: sanitizeFilename(title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}
