package wikibot

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	importScanWindow   = 5
	importMaxFileSize  = 4 << 20
	importMaxWarnings  = 20
	exportFilenameFmt  = "wiki_topics_%s.csv"
	exportTimeLayout   = "20060102_150405"
	csvContentType     = "text/csv"
	csvExtension       = ".csv"
	importColumnsMin   = 4
	importColumnsMax   = 5
	defaultHTTPTimeout = 30 * time.Second
)

var csvHeader = []string{"group", "key", "description", "content", "alias"}

// older exports name the description column "desc"
var csvHeaderAliases = map[string]string{"desc": "description"}

const utf8BOM = "\ufeff"

const bulkHelpText = "**Bulk import/export**\n" +
	"`/wiki-mgmt bulk export` sends all of this server's topics as a CSV file.\n" +
	"`/wiki-mgmt bulk import` reads a CSV file and adds or updates each topic in it. " +
	"Attach the file to the command, or upload it to this channel first - " +
	"the most recent `.csv` among your last 5 messages here is used.\n\n" +
	"Columns, in order: `group,key,description,content,alias`\n" +
	"- `group`, `key`: lowercase, 1-32 characters, letters, digits, `-` or `_`\n" +
	"- `description`: up to 100 characters\n" +
	"- `content`: up to 2000 characters\n" +
	"- `alias`: optional, a single word for the legacy `!alias` command\n\n" +
	"Fields containing commas, quotes or line breaks must be double-quoted, " +
	"with quotes doubled (`\"\"`). A header row is optional. " +
	"Invalid rows are skipped and reported. Topics not in the file are left alone."

// ImportResult tallies a bulk import. Added and Updated only count
// rows that were stored.
type ImportResult struct {
	Filename string
	Added    int
	Updated  int
	Skipped  int
	Warnings []string
}

func (r *ImportResult) warn(line int, format string, args ...any) {
	r.Skipped++
	if len(r.Warnings) < importMaxWarnings {
		r.Warnings = append(
			r.Warnings,
			fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)),
		)
	}
}

// Summary is the message reported to the invoker
func (r ImportResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"Imported `%s`: %d added, %d updated, %d skipped.",
		r.Filename, r.Added, r.Updated, r.Skipped,
	)
	for _, w := range r.Warnings {
		b.WriteString("\n- ")
		b.WriteString(w)
	}
	if r.Skipped > len(r.Warnings) {
		fmt.Fprintf(&b, "\n- ...and %d more", r.Skipped-len(r.Warnings))
	}
	return truncate(b.String(), discordMaxMessageLength)
}

// importRow is a parsed CSV row, with its line number
type importRow struct {
	line  int
	input TopicInput
}

// BulkTransfer exports and imports a guild's topics as CSV
type BulkTransfer struct {
	topics     *TopicStore
	sync       *CommandSynchronizer
	httpClient *http.Client
	logger     *slog.Logger
}

func NewBulkTransfer(
	topics *TopicStore,
	synchronizer *CommandSynchronizer,
	httpClient *http.Client,
	logger *slog.Logger,
) *BulkTransfer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkTransfer{
		topics:     topics,
		sync:       synchronizer,
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "bulk"),
	}
}

// Export writes the guild's topics as CSV, with a header row
func (b *BulkTransfer) Export(ctx context.Context, guildID string) (*discordgo.File, int, error) {
	topics, err := b.topics.ListByGuild(ctx, guildID)
	if err != nil {
		return nil, 0, err
	}
	var buf bytes.Buffer
	if err = writeTopicsCSV(&buf, topics); err != nil {
		return nil, 0, err
	}
	return &discordgo.File{
		Name:        fmt.Sprintf(exportFilenameFmt, time.Now().UTC().Format(exportTimeLayout)),
		ContentType: csvContentType,
		Reader:      &buf,
	}, len(topics), nil
}

func writeTopicsCSV(w io.Writer, topics []Topic) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range topics {
		if err := cw.Write(
			[]string{t.Group, t.Key, t.Description, t.Content, t.Alias},
		); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Import applies a CSV file to the guild's topics. If attachment is
// nil, the invoker's recent messages in the channel are searched for
// one. Rows that are malformed, invalid, or would exceed Discord's
// command limits are skipped and reported. After the rows are
// applied, one command sync is triggered for the guild.
func (b *BulkTransfer) Import(
	ctx context.Context,
	inv Invocation,
	attachment *discordgo.MessageAttachment,
) (ImportResult, error) {
	var result ImportResult
	guildID := inv.GuildID()
	logger := contextLoggerOr(ctx, b.logger).With("guild_id", guildID)

	if attachment == nil {
		var err error
		attachment, err = findImportAttachment(ctx, inv, importScanWindow)
		if err != nil {
			return result, err
		}
	}
	if !isCSVAttachment(attachment) {
		return result, fmt.Errorf("%w: %q is not a .csv file", ErrNoAttachment, attachment.Filename)
	}
	result.Filename = attachment.Filename
	if attachment.Size > importMaxFileSize {
		return result, fmt.Errorf(
			"%w: %q is larger than %d bytes",
			ErrNoAttachment, attachment.Filename, importMaxFileSize,
		)
	}

	data, err := b.download(ctx, attachment.URL)
	if err != nil {
		return result, err
	}
	rows := parseImportRows(bytes.NewReader(data), guildID, &result)

	existing, err := b.topics.ListByGuild(ctx, guildID)
	if err != nil {
		return result, err
	}
	plan := newCommandPlan(existing)

	for _, row := range rows {
		if err = plan.Add(row.input); err != nil {
			result.warn(row.line, "%s: too many commands in this group or too many groups", row.input.Name())
			continue
		}
		_, created, upsertErr := b.topics.Upsert(ctx, row.input)
		if upsertErr != nil {
			err = upsertErr
			break
		}
		if created {
			result.Added++
		} else {
			result.Updated++
		}
	}

	if result.Added+result.Updated > 0 {
		b.sync.Trigger(ctx, guildID)
	}
	logger.InfoContext(
		ctx,
		"imported topics",
		"filename", result.Filename,
		"added", result.Added,
		"updated", result.Updated,
		"skipped", result.Skipped,
		tint.Err(err),
	)
	return result, err
}

func (b *BulkTransfer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: error downloading attachment: %w", ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"%w: error downloading attachment: %s",
			ErrTransport, resp.Status,
		)
	}
	return io.ReadAll(io.LimitReader(resp.Body, importMaxFileSize))
}

// findImportAttachment returns the newest .csv attachment among the
// invoker's messages in the channel's last `window` messages
func findImportAttachment(
	ctx context.Context,
	inv Invocation,
	window int,
) (*discordgo.MessageAttachment, error) {
	author := inv.Author()
	if author == nil {
		return nil, ErrNoAttachment
	}
	msgs, err := inv.ChannelHistory(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("error reading channel history: %w", err)
	}
	for _, m := range msgs {
		if m == nil || m.Author == nil || m.Author.ID != author.ID {
			continue
		}
		for idx := len(m.Attachments) - 1; idx >= 0; idx-- {
			if isCSVAttachment(m.Attachments[idx]) {
				return m.Attachments[idx], nil
			}
		}
	}
	return nil, ErrNoAttachment
}

func isCSVAttachment(a *discordgo.MessageAttachment) bool {
	return a != nil && strings.EqualFold(path.Ext(a.Filename), csvExtension)
}

// parseImportRows reads topic rows from CSV. A first row matching
// the header is ignored. Rows with the wrong number of columns, or
// that fail validation, are recorded on result and skipped.
func parseImportRows(r io.Reader, guildID string, result *ImportResult) []importRow {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	var rows []importRow
	first := true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.warn(parseErr.StartLine, "%s", parseErr.Err)
				first = false
				continue
			}
			result.warn(0, "%s", err)
			break
		}
		line, _ := cr.FieldPos(0)
		if first {
			first = false
			record[0] = strings.TrimPrefix(record[0], utf8BOM)
			if isCSVHeader(record) {
				continue
			}
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) < importColumnsMin || len(record) > importColumnsMax {
			result.warn(
				line,
				"expected %d or %d columns, got %d",
				importColumnsMin, importColumnsMax, len(record),
			)
			continue
		}
		in := TopicInput{
			GuildID:     guildID,
			Group:       record[0],
			Key:         record[1],
			Description: record[2],
			Content:     record[3],
		}
		if len(record) == importColumnsMax {
			in.Alias = record[4]
		}
		in = in.Normalize()
		if err = in.Validate(); err != nil {
			result.warn(line, "%s: %s", in.Name(), validationMessage(err))
			continue
		}
		rows = append(rows, importRow{line: line, input: in})
	}
	return rows
}

func isCSVHeader(record []string) bool {
	if len(record) < importColumnsMin {
		return false
	}
	for idx, field := range record {
		if idx >= len(csvHeader) {
			return false
		}
		name := strings.ToLower(strings.TrimSpace(field))
		if alias, ok := csvHeaderAliases[name]; ok {
			name = alias
		}
		if name != csvHeader[idx] {
			return false
		}
	}
	return true
}
