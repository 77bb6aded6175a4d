package utils

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Palette, only used within this file
var (
	paletteFgDark       = text.Colors{text.FgHiBlack}
	paletteFgLight      = text.Colors{text.FgWhite}
	paletteRed          = text.Colors{text.FgRed}
	paletteGreen        = text.Colors{text.FgGreen}
	paletteYellow       = text.Colors{text.FgYellow}
	paletteBlue         = text.Colors{text.FgBlue}
	paletteAqua         = text.Colors{text.FgCyan}
	paletteGreenBright  = text.Colors{text.FgHiGreen}
	paletteBlueBright   = text.Colors{text.FgHiBlue}
	paletteAquaBright   = text.Colors{text.FgHiCyan}
	paletteYellowBright = text.Colors{text.FgHiYellow}
	paletteBold         = text.Colors{text.Bold}
)

// Theme - exported theme colors for consistent CLI output
var Theme = struct {
	Success text.Colors
	Info    text.Colors
	Warning text.Colors
	Error   text.Colors
	Heading text.Colors
	Subtle  text.Colors
	Accent  text.Colors

	Title       text.Colors
	Divider     text.Colors
	TableHeader text.Colors
	TableBorder text.Colors
	TableRow    text.Colors
	TableAltRow text.Colors
	Badge       text.Colors
	Code        text.Colors
}{
	Success: paletteGreen,
	Info:    paletteBlue,
	Warning: paletteYellow,
	Error:   paletteRed,
	Heading: append(paletteAquaBright, text.Bold),
	Subtle:  paletteFgDark,
	Accent:  paletteAqua,

	Title:       append(paletteAquaBright, text.Bold),
	Divider:     paletteFgDark,
	TableHeader: append(paletteBlueBright, text.Bold),
	TableBorder: paletteBlue,
	TableRow:    paletteFgLight,
	TableAltRow: text.Colors{text.FgWhite, text.Faint},
	Badge:       append(paletteYellowBright, text.Bold),
	Code:        paletteGreenBright,
}

// PrintHeading prints a formatted heading
func PrintHeading(title string) {
	fmt.Println(Theme.Heading.Sprint(title))
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Println(Theme.Success.Sprint("✓ ") + message)
}

// PrintInfo prints an info message
func PrintInfo(message string) {
	fmt.Println(Theme.Info.Sprint("ℹ ") + message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Println(Theme.Warning.Sprint("⚠ ") + message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Println(Theme.Error.Sprint("✗ ") + message)
}

// PrintKeyValue prints a key-value pair
func PrintKeyValue(key, value string) {
	fmt.Printf("%s: %s\n", paletteBold.Sprint(key), value)
}

// PrintKeyValueWithColor prints a key-value pair with colored value
func PrintKeyValueWithColor(key string, value string, colors text.Colors) {
	fmt.Printf("%s: %s\n", paletteBold.Sprint(key), colors.Sprint(value))
}

// PrintDivider prints a horizontal divider
func PrintDivider() {
	fmt.Println(Theme.Divider.Sprint("---------------------------------------------------"))
}

// CodeBlock indents code and styles it with the code theme
func CodeBlock(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return Theme.Code.Sprint(strings.Join(lines, "\n"))
}

// TableOptions defines options for table creation
type TableOptions struct {
	Title string
	// Footer, when set, is rendered below the rows
	Footer []string
}

// DefaultTableOptions returns the default table options
func DefaultTableOptions() TableOptions {
	return TableOptions{Title: "anchorsync"}
}

// CreateTable creates a new table writer with the theme applied
func CreateTable(opts TableOptions) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	if opts.Title != "" {
		t.SetTitle(opts.Title)
	}

	style := table.StyleDouble
	style.Color.Header = Theme.TableHeader
	style.Color.Border = Theme.TableBorder
	style.Color.Row = Theme.TableRow
	style.Color.RowAlternate = Theme.TableAltRow
	style.Title.Colors = Theme.Title
	style.Title.Align = text.AlignCenter

	style.Options.DrawBorder = true
	style.Options.SeparateColumns = true
	style.Options.SeparateFooter = true
	style.Options.SeparateHeader = true
	style.Options.SeparateRows = false

	style.Box.PaddingLeft = " "
	style.Box.PaddingRight = " "

	t.SetStyle(style)
	return t
}

// PrintTable prints a table with headers and rows
func PrintTable(headers []string, rows [][]string, options ...TableOptions) {
	opts := DefaultTableOptions()
	if len(options) > 0 {
		opts = options[0]
	}

	t := CreateTable(opts)
	t.AppendHeader(toRow(headers))
	for _, r := range rows {
		t.AppendRow(toRow(r))
	}
	if len(opts.Footer) > 0 {
		t.AppendFooter(toRow(opts.Footer))
	}

	configs := make([]table.ColumnConfig, 0, len(headers))
	for i := range headers {
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       text.AlignLeft,
			AlignHeader: text.AlignCenter,
		})
	}
	t.SetColumnConfigs(configs)

	t.Render()
}

func toRow(cells []string) table.Row {
	row := make(table.Row, 0, len(cells))
	for _, c := range cells {
		row = append(row, c)
	}
	return row
}

// FormatList formats a list of items with bullets
func FormatList(items []string, bullet string) string {
	if bullet == "" {
		bullet = "•"
	}

	var result strings.Builder
	for _, item := range items {
		result.WriteString(fmt.Sprintf("%s %s\n", Theme.Accent.Sprint(bullet), item))
	}
	return result.String()
}

// PrintList prints a formatted list of items
func PrintList(items []string, bullet string) {
	fmt.Print(FormatList(items, bullet))
}
