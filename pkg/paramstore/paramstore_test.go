package paramstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	parameters map[string]string
	putInputs  []*ssm.PutParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, params *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	value, ok := f.parameters[aws.ToString(params.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{
			Name:  params.Name,
			Value: aws.String(value),
		},
	}, nil
}

func (f *fakeSSM) GetParametersByPath(_ context.Context, params *ssm.GetParametersByPathInput, _ ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	out := &ssm.GetParametersByPathOutput{}
	prefix := aws.ToString(params.Path) + "/"
	for name, value := range f.parameters {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{
				Name:  aws.String(name),
				Value: aws.String(value),
			})
		}
	}
	return out, nil
}

func (f *fakeSSM) PutParameter(_ context.Context, params *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.putInputs = append(f.putInputs, params)
	if f.parameters == nil {
		f.parameters = map[string]string{}
	}
	f.parameters[aws.ToString(params.Name)] = aws.ToString(params.Value)
	return &ssm.PutParameterOutput{}, nil
}

func TestKey(t *testing.T) {
	store := New(&fakeSSM{}, "grapefruit")

	assert.Equal(t, "/grapefruit/images", store.Key("", ""))
	assert.Equal(t, "/grapefruit/images/latest", store.Key("latest", ""))
	assert.Equal(t, "/grapefruit/images/latest/api", store.Key("latest", "api"))
}

func TestGetImages(t *testing.T) {
	api := &fakeSSM{parameters: map[string]string{
		"/grapefruit/images/latest/api":    "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/api:ref.11111",
		"/grapefruit/images/latest/worker": "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/worker:ref.22222",
		"/grapefruit/images/stable/api":    "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/api:ref.00000",
		"/other/images/latest/api":         "should-not-appear",
	}}
	store := New(api, "grapefruit")

	images, err := store.GetImages(context.Background(), "latest")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"api":    "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/api:ref.11111",
		"worker": "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/worker:ref.22222",
	}, images)
}

func TestGetImage(t *testing.T) {
	api := &fakeSSM{parameters: map[string]string{
		"/grapefruit/images/latest/api": "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/api:ref.11111",
	}}
	store := New(api, "grapefruit")

	image, err := store.GetImage(context.Background(), "latest", "api")
	require.NoError(t, err)
	assert.Equal(t, "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/api:ref.11111", image)

	_, err = store.GetImage(context.Background(), "latest", "missing")
	assert.Error(t, err)
}

func TestUpdateImage(t *testing.T) {
	api := &fakeSSM{}
	store := New(api, "grapefruit")

	path, err := store.UpdateImage(context.Background(), "api", "latest", "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/api:ref.11111")
	require.NoError(t, err)
	assert.Equal(t, "/grapefruit/images/latest/api", path)

	require.Len(t, api.putInputs, 1)
	input := api.putInputs[0]
	assert.Equal(t, ssmtypes.ParameterTypeString, input.Type)
	assert.True(t, aws.ToBool(input.Overwrite))

	images, err := store.GetImages(context.Background(), "latest")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api": "1234.dkr.ecr.eu-west-2.amazonaws.com/grapefruit/api:ref.11111"}, images)
}
