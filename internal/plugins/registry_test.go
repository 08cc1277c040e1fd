package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veralt/nodeflow/pkg/schema"
)

type echoService struct {
	config string
}

func (s *echoService) Execute(_ context.Context, paramsJSON string) (string, error) {
	return "echo:" + paramsJSON, nil
}

func (s *echoService) ImportConfig(configJSON string) error {
	s.config = configJSON
	return nil
}

func TestMemoryRegistry_ResolveByKey(t *testing.T) {
	r := NewMemoryRegistry()
	r.RegisterTemplate(&PluginTemplate{
		Key: "translator", Name: "Translator",
		ImplementationHandle: "svc.translator", Kind: KindTool,
	})

	tpl, err := r.ResolveByKey("translator")
	require.NoError(t, err)
	assert.Equal(t, "Translator", tpl.Name)
	assert.Equal(t, KindTool, tpl.Kind)

	_, err = r.ResolveByKey("nope")
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodePluginDispatch, fe.Code)
}

func TestMemoryRegistry_ResolveService(t *testing.T) {
	r := NewMemoryRegistry()
	svc := &echoService{}
	r.RegisterService("svc.echo", svc)

	got, err := r.ResolveService("svc.echo")
	require.NoError(t, err)
	out, err := got.Execute(context.Background(), `{"x":1}`)
	require.NoError(t, err)
	assert.Equal(t, `echo:{"x":1}`, out)

	_, err = r.ResolveService("svc.missing")
	require.Error(t, err)
}

func TestMemoryConfigStore_FirstActive(t *testing.T) {
	s := NewMemoryConfigStore()
	s.Add(&PluginConfig{ID: "c1", PluginKey: "translator", Active: false})
	s.Add(&PluginConfig{ID: "c2", PluginKey: "translator", Active: true, ConfigJSON: `{"lang":"es"}`})
	s.Add(&PluginConfig{ID: "c3", PluginKey: "translator", Active: true})

	cfg, err := s.FirstActiveConfig(context.Background(), "translator")
	require.NoError(t, err)
	assert.Equal(t, "c2", cfg.ID)

	_, err = s.FirstActiveConfig(context.Background(), "unknown")
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestMemoryConfigStore_GetConfig(t *testing.T) {
	s := NewMemoryConfigStore()
	s.Add(&PluginConfig{ID: "c1", PluginKey: "p", Active: true})

	cfg, err := s.GetConfig(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "p", cfg.PluginKey)

	_, err = s.GetConfig(context.Background(), "ghost")
	require.Error(t, err)
}
