package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/BaSui01/minionflow/transport"
	"github.com/BaSui01/minionflow/types"
)

var funNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)+$`)

// rawLow is the wire shape of a request, as posted to the API.
type rawLow struct {
	Client   string         `json:"client" validate:"required,oneof=local local_async runner runner_async local_batch"`
	Fun      string         `json:"fun" validate:"required,funname"`
	Arg      any            `json:"arg"`
	Kwarg    map[string]any `json:"kwarg"`
	Tgt      any            `json:"tgt"`
	TgtType  string         `json:"tgt_type" validate:"omitempty,oneof=glob list pcre nodegroup"`
	Batch    string         `json:"batch" validate:"omitempty,batchspec"`
	Timeout  float64        `json:"timeout" validate:"gte=0"`
	Wait     float64        `json:"batch_wait" validate:"gte=0"`
	Token    string         `json:"token" validate:"required_without=Username"`
	Eauth    string         `json:"eauth" validate:"required_with=Username"`
	Username string         `json:"username"`
	Password string         `json:"password"`
}

// Builder turns raw request maps into validated Low values.
type Builder struct {
	validate *validator.Validate
}

// NewBuilder creates a builder.
func NewBuilder() *Builder {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	_ = v.RegisterValidation("funname", func(fl validator.FieldLevel) bool {
		return funNameRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("batchspec", func(fl validator.FieldLevel) bool {
		_, err := BatchSize(fl.Field().String(), 1)
		return err == nil
	})
	return &Builder{validate: v}
}

// Build validates raw and returns the matching variant. Free-form
// arguments are parsed with ParseArgs; for minion modes a "target" and
// "tgt_type" keyword fill in a missing target.
func (b *Builder) Build(raw map[string]any) (Low, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, types.NewInvalidRequestError("request is not serializable").WithCause(err)
	}
	var r rawLow
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, types.NewInvalidRequestError("malformed request").WithCause(err)
	}
	if err := b.validate.Struct(&r); err != nil {
		return nil, types.NewInvalidRequestError(describe(err)).WithCause(err)
	}

	args, err := argList(r.Arg)
	if err != nil {
		return nil, err
	}
	args, kwargs := ParseArgs(args)
	for k, v := range r.Kwarg {
		kwargs[k] = v
	}

	call := Call{
		Fun:    r.Fun,
		Args:   args,
		Kwargs: kwargs,
		Credentials: Credentials{
			Token:    r.Token,
			Eauth:    r.Eauth,
			Username: r.Username,
			Password: r.Password,
		},
		Timeout: seconds(r.Timeout),
	}

	mode := Mode(r.Client)
	switch mode {
	case ModeRunner:
		return &RunnerSync{Call: call}, nil
	case ModeRunnerAsync:
		return &RunnerAsync{Call: call}, nil
	}

	tgtExpr, tgtType := ExtractTarget(call.Kwargs)
	if r.Tgt != nil {
		tgtExpr = r.Tgt
	}
	if r.TgtType != "" {
		tgtType = r.TgtType
	}
	tgt, err := transport.NewTarget(tgtExpr, tgtType)
	if err != nil {
		return nil, types.NewInvalidRequestError(err.Error())
	}

	switch mode {
	case ModeLocal:
		return &LocalSync{Call: call, Target: tgt}, nil
	case ModeLocalAsync:
		return &LocalAsync{Call: call, Target: tgt}, nil
	default:
		if r.Batch == "" {
			return nil, types.NewInvalidRequestError("local_batch requires a batch size")
		}
		return &Batch{Call: call, Target: tgt, Size: r.Batch, Wait: seconds(r.Wait)}, nil
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func argList(v any) ([]any, error) {
	switch a := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return a, nil
	case string:
		return []any{a}, nil
	default:
		return nil, types.NewInvalidRequestError(fmt.Sprintf("arg must be a list, got %T", v))
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required", "required_without":
			parts = append(parts, "missing "+field)
		case "required_with":
			parts = append(parts, field+" is required with username")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("invalid %s", field))
		}
	}
	return strings.Join(parts, "; ")
}
