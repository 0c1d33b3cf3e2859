package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/internal/domain/promo"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
)

// store is the part of the promo repository the ingest needs.
type store interface {
	Codes(ctx context.Context, fn func(code string)) error
	Upsert(ctx context.Context, rules ...promo.Rule) error
}

// ingester loads promo rule files into the store. Unless overwrite is set,
// codes that already exist are left untouched.
type ingester struct {
	store     store
	lg        *zap.Logger
	overwrite bool
	batchSize int
	// capacity sizes the bloom filter of existing codes.
	capacity uint
}

// stats summarizes one run.
type stats struct {
	Parsed   int
	Invalid  int
	Existing int
	Written  int
}

// fileRules is the parse result of one file. Rules the bloom filter has
// never seen are certainly new; maybe may already exist and is confirmed
// against the store.
type fileRules struct {
	fresh   []promo.Rule
	maybe   []promo.Rule
	invalid int
}

func (in *ingester) run(ctx context.Context, files []string) (stats, error) {
	var st stats

	existing := bloom.NewWithEstimates(in.capacity, bloomFPR)
	if !in.overwrite {
		var n int
		if err := in.store.Codes(ctx, func(code string) {
			existing.AddString(code)
			n++
		}); err != nil {
			return st, errors.Wrap(err, "load existing codes")
		}
		in.lg.Info("Existing codes loaded", zap.Int("codes", n))
	}

	// Pass 1: parse files concurrently, splitting rules by the filter.
	results := make([]fileRules, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res, err := in.parseFile(gctx, path, existing)
			if err != nil {
				return errors.Wrapf(err, "parse %s", path)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, err
	}

	// Later files win over earlier ones for the same code.
	byCode := make(map[string]promo.Rule)
	var order []string
	candidates := make(map[string]struct{})
	for _, res := range results {
		st.Invalid += res.invalid
		for _, r := range res.fresh {
			if _, dup := byCode[r.Code]; !dup {
				order = append(order, r.Code)
			}
			byCode[r.Code] = r
		}
		for _, r := range res.maybe {
			if _, dup := byCode[r.Code]; !dup {
				order = append(order, r.Code)
			}
			byCode[r.Code] = r
			candidates[r.Code] = struct{}{}
		}
	}
	st.Parsed = len(byCode)

	// Pass 2: confirm bloom positives against the stored codes.
	if len(candidates) > 0 {
		if err := in.store.Codes(ctx, func(code string) {
			if _, ok := candidates[code]; ok {
				delete(byCode, code)
				st.Existing++
			}
		}); err != nil {
			return st, errors.Wrap(err, "confirm existing codes")
		}
		in.lg.Info("Bloom candidates confirmed",
			zap.Int("candidates", len(candidates)),
			zap.Int("existing", st.Existing),
		)
	}

	batch := make([]promo.Rule, 0, in.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := in.store.Upsert(ctx, batch...); err != nil {
			return errors.Wrapf(err, "upsert %d rules", len(batch))
		}
		st.Written += len(batch)
		batch = batch[:0]
		return nil
	}
	for _, code := range order {
		r, ok := byCode[code]
		if !ok {
			continue
		}
		batch = append(batch, r)
		if len(batch) == in.batchSize {
			if err := flush(); err != nil {
				return st, err
			}
		}
	}
	if err := flush(); err != nil {
		return st, err
	}
	return st, nil
}

func (in *ingester) parseFile(ctx context.Context, path string, existing *bloom.BloomFilter) (fileRules, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileRules{}, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fileRules{}, errors.Wrap(err, "gzip")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var (
		res  fileRules
		line int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line++
		if line%progressEvery == 0 {
			in.lg.Info("Parse progress", zap.String("file", path), zap.Int("lines", line))
		}
		rule, ok, err := parseRule(scanner.Text())
		switch {
		case err != nil:
			res.invalid++
			in.lg.Debug("Skipping invalid line", zap.String("file", path), zap.Int("line", line), zap.Error(err))
		case !ok:
		case !in.overwrite && existing.TestString(rule.Code):
			res.maybe = append(res.maybe, rule)
		default:
			res.fresh = append(res.fresh, rule)
		}
	}
	if err := scanner.Err(); err != nil {
		return res, errors.Wrap(err, "scan")
	}
	in.lg.Info("File parsed",
		zap.String("file", path),
		zap.Int("lines", line),
		zap.Int("rules", len(res.fresh)+len(res.maybe)),
		zap.Int("invalid", res.invalid),
	)
	return res, nil
}

// parseRule parses one line of
//
//	code,type,value[,max_discount[,min_subtotal[,description]]]
//
// where value is a percentage for "percentage" rules and paise for "fixed"
// ones. Blank lines and lines starting with # are skipped (ok is false).
func parseRule(line string) (rule promo.Rule, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return rule, false, nil
	}
	fields := strings.SplitN(line, ",", 6)
	if len(fields) < 3 {
		return rule, false, errors.Errorf("want at least 3 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	rule.Code = promo.NormalizeCode(fields[0])
	rule.DiscountType = promo.DiscountType(strings.ToLower(fields[1]))
	switch rule.DiscountType {
	case promo.DiscountPercentage:
		if rule.Percent, err = decimal.NewFromString(fields[2]); err != nil {
			return rule, false, errors.Wrap(err, "percent")
		}
	case promo.DiscountFixed:
		if rule.Amount, err = parseMoney(fields[2]); err != nil {
			return rule, false, errors.Wrap(err, "amount")
		}
	}
	if len(fields) > 3 && fields[3] != "" {
		if rule.MaxDiscount, err = parseMoney(fields[3]); err != nil {
			return rule, false, errors.Wrap(err, "max discount")
		}
	}
	if len(fields) > 4 && fields[4] != "" {
		if rule.MinSubtotal, err = parseMoney(fields[4]); err != nil {
			return rule, false, errors.Wrap(err, "min subtotal")
		}
	}
	if len(fields) > 5 {
		rule.Description = fields[5]
	}
	if err := rule.Validate(); err != nil {
		return rule, false, err
	}
	return rule, true, nil
}

func parseMoney(s string) (money.Money, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	return money.Money(v), err
}
