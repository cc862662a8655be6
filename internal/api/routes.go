package api

import (
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/gin-gonic/gin"
	"github.com/rawblock/heritage-engine/internal/account"
	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/heritage"
	"github.com/rawblock/heritage-engine/internal/keyring"
	"github.com/rawblock/heritage-engine/internal/keys"
	"github.com/rawblock/heritage-engine/internal/wallet"
)

// APIHandler carries the shared collaborators of the wallet API.
type APIHandler struct {
	runtime *account.Runtime
	backend wallet.ChainBackend
	wsHub   *Hub
}

func SetupRouter(runtime *account.Runtime, backend wallet.ChainBackend, wsHub *Hub) *gin.Engine {
	r := gin.Default()
	h := &APIHandler{runtime: runtime, backend: backend, wsHub: wsHub}

	r.GET("/health", h.handleHealth)
	r.GET("/ws", wsHub.Subscribe)

	api := r.Group("/api/v1")
	{
		api.POST("/wallets", h.handleCreateWallet)
		api.GET("/wallets", h.handleListWallets)
		api.GET("/wallets/:name", h.handleGetWallet)
		api.DELETE("/wallets/:name", h.handleDeleteWallet)

		api.POST("/wallets/:name/xpubs", h.handleGenerateXPubs)
		api.GET("/wallets/:name/xpubs", h.handleListXPubs)

		api.GET("/wallets/:name/heritage-config", h.handleGetHeritageConfig)
		api.POST("/wallets/:name/heritage-config", h.handleSetHeritageConfig)
		api.GET("/wallets/:name/heritage-configs", h.handleListObsoleteConfigs)

		api.GET("/wallets/:name/address", h.handleNewAddress)
		api.GET("/wallets/:name/addresses", h.handleListAddresses)
		api.GET("/wallets/:name/balance", h.handleBalance)
		api.POST("/wallets/:name/sync", h.handleSync)
		api.GET("/wallets/:name/backup", h.handleBackup)
		api.GET("/wallets/:name/ledger-policies", h.handleLedgerPolicies)

		api.POST("/wallets/:name/psbt", h.handleCreatePsbt)
		api.POST("/wallets/:name/psbt/sign", h.handleSignPsbt)
		api.POST("/wallets/:name/psbt/summary", h.handlePsbtSummary)
		api.POST("/wallets/:name/broadcast", h.handleBroadcast)

		api.POST("/heirs", h.handleRegisterHeir)
		api.GET("/heirs", h.handleListHeirs)
		api.DELETE("/heirs/:nickname", h.handleDeleteHeir)

		api.POST("/wallets/:name/heir/restore", h.handleHeirRestore)
		api.GET("/wallets/:name/heritages", h.handleListHeritages)
		api.POST("/wallets/:name/heir-psbt", h.handleHeirPsbt)
	}
	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "network": keys.Network().Name})
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrKeyDoesNotExist), errors.Is(err, db.ErrTableDoesNotExist):
		return http.StatusNotFound
	case errors.Is(err, db.ErrKeyAlreadyExists), errors.Is(err, db.ErrTableAlreadyExists),
		errors.Is(err, wallet.ErrHeritageConfigAlreadyUsed), errors.Is(err, db.ErrCompareAndSwap):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrMissingCurrentSubwalletConfig),
		errors.Is(err, wallet.ErrMissingUnusedAccountXPub),
		errors.Is(err, wallet.ErrInvalidSpendingConfigForHeir),
		errors.Is(err, wallet.ErrNothingToSpend):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
}

// requireBackend guards the endpoints that need a chain connection: the
// daemon can boot without one, in wallet-management-only mode.
func (h *APIHandler) requireBackend(c *gin.Context) bool {
	if h.backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no chain backend configured"})
		return false
	}
	return true
}

func (h *APIHandler) loadWallet(c *gin.Context) *account.Wallet {
	w, err := account.LoadWallet(c.Param("name"), h.runtime)
	if err != nil {
		abortWithError(c, err)
		return nil
	}
	return w
}

func (h *APIHandler) heritageWallet(c *gin.Context) *wallet.HeritageWallet {
	w := h.loadWallet(c)
	if w == nil {
		return nil
	}
	hw, err := w.LocalHeritageWallet()
	if err != nil {
		abortWithError(c, err)
		return nil
	}
	return hw
}

type createWalletRequest struct {
	Name            string `json:"name" binding:"required"`
	KeyProvider     string `json:"key_provider"`      // "none" | "local" | "ledger"
	SeedHex         string `json:"seed_hex"`          // for local key provider
	Mnemonic        string `json:"mnemonic"`          // optional, stored for backup
	OnlineWallet    string `json:"online_wallet"`     // "none" | "local" | "service"
	ServiceWalletID string `json:"service_wallet_id"` // for service online wallet
}

func (h *APIHandler) handleCreateWallet(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := hexEncodedSeed(req.SeedHex); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seed_hex is not valid hex"})
		return
	}
	kp := account.KeyProviderSpec{Type: req.KeyProvider, SeedHex: req.SeedHex, Mnemonic: req.Mnemonic}
	ow := account.OnlineWalletSpec{Type: req.OnlineWallet}
	if req.OnlineWallet == "service" {
		ow.Service = account.NewServiceBinding(req.ServiceWalletID, h.runtime.Service)
	}
	w, err := account.NewWallet(req.Name, kp, ow, h.runtime)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": w.Name})
}

func (h *APIHandler) handleListWallets(c *gin.Context) {
	names, err := account.ListWalletNames(h.runtime.Store)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"wallets": names})
}

func (h *APIHandler) handleGetWallet(c *gin.Context) {
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	resp := gin.H{
		"name":                    w.Name,
		"key_provider":            w.KeyProviderSpec.Type,
		"online_wallet":           w.OnlineWalletSpec.Type,
		"fingerprints_controlled": w.FingerprintsControlled,
	}
	if fp, err := w.Fingerprint(); err == nil {
		resp["fingerprint"] = fp.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandler) handleDeleteWallet(c *gin.Context) {
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	if err := w.Delete(h.runtime.Store); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": w.Name})
}

type generateXPubsRequest struct {
	Start uint32 `json:"start"`
	Count uint32 `json:"count" binding:"required"`
}

// handleGenerateXPubs derives account xpubs from the wallet's key provider
// and feeds them to the online wallet's unused pool.
func (h *APIHandler) handleGenerateXPubs(c *gin.Context) {
	var req generateXPubsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	kp, err := w.KeyProvider()
	if err != nil {
		abortWithError(c, err)
		return
	}
	hw, err := w.LocalHeritageWallet()
	if err != nil {
		abortWithError(c, err)
		return
	}
	axpubs, err := kp.DeriveAccountXPubs(req.Start, req.Start+req.Count)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := hw.AppendAccountXPubs(axpubs); err != nil {
		abortWithError(c, err)
		return
	}
	rendered := make([]string, len(axpubs))
	for i, ax := range axpubs {
		rendered[i] = ax.String()
	}
	c.JSON(http.StatusOK, gin.H{"xpubs": rendered})
}

func (h *APIHandler) handleListXPubs(c *gin.Context) {
	hw := h.heritageWallet(c)
	if hw == nil {
		return
	}
	// Absent flags mean both categories.
	includeUsed := c.Query("unused") == "" || c.Query("used") == "true"
	includeUnused := c.Query("used") == "" || c.Query("unused") == "true"
	list, err := hw.ListAccountXPubs(includeUsed, includeUnused)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"xpubs": list})
}

type heritageEntryRequest struct {
	Type     string `json:"type" binding:"required"`
	Value    string `json:"value" binding:"required"`
	TimeLock uint16 `json:"time_lock" binding:"required"`
}

type setHeritageConfigRequest struct {
	ReferenceTime   uint64                 `json:"reference_time"`
	MinimumLockTime uint16                 `json:"minimum_lock_time"`
	Heritages       []heritageEntryRequest `json:"heritages"`
}

func (h *APIHandler) handleSetHeritageConfig(c *gin.Context) {
	var req setHeritageConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	builder := heritage.NewBuilder()
	if req.ReferenceTime != 0 {
		builder.ReferenceTime(req.ReferenceTime)
	}
	if req.MinimumLockTime != 0 {
		builder.MinimumLockTime(req.MinimumLockTime)
	}
	for _, entry := range req.Heritages {
		hc, err := keys.NewHeirConfig(keys.HeirConfigType(entry.Type), entry.Value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		builder.AddHeritage(hc, entry.TimeLock)
	}
	cfg, err := builder.Build()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hw := h.heritageWallet(c)
	if hw == nil {
		return
	}
	swCfg, err := hw.UpdateHeritageConfig(cfg)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subwallet_id": swCfg.SubwalletID, "heritage_config": cfg})
}

func (h *APIHandler) handleGetHeritageConfig(c *gin.Context) {
	hw := h.heritageWallet(c)
	if hw == nil {
		return
	}
	cfg, err := hw.GetCurrentHeritageConfig()
	if err != nil {
		abortWithError(c, err)
		return
	}
	if cfg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no heritage config installed"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandler) handleListObsoleteConfigs(c *gin.Context) {
	hw := h.heritageWallet(c)
	if hw == nil {
		return
	}
	configs, err := hw.ListObsoleteHeritageConfigs()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"obsolete": configs})
}

func (h *APIHandler) handleNewAddress(c *gin.Context) {
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	ow, err := w.OnlineWallet()
	if err != nil {
		abortWithError(c, err)
		return
	}
	addr, err := ow.GetNewAddress()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr})
}

func (h *APIHandler) handleListAddresses(c *gin.Context) {
	hw := h.heritageWallet(c)
	if hw == nil {
		return
	}
	addrs, err := hw.ListWalletAddresses()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"addresses": addrs})
}

func (h *APIHandler) handleBalance(c *gin.Context) {
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	ow, err := w.OnlineWallet()
	if err != nil {
		abortWithError(c, err)
		return
	}
	balance, err := ow.GetBalance()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (h *APIHandler) handleSync(c *gin.Context) {
	if !h.requireBackend(c) {
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	ow, err := w.OnlineWallet()
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := ow.Sync(h.backend); err != nil {
		abortWithError(c, err)
		return
	}
	balance, err := ow.GetBalance()
	if err != nil {
		abortWithError(c, err)
		return
	}
	h.wsHub.Publish(WalletEvent{Type: "sync_completed", Wallet: w.Name, Detail: balance})
	c.JSON(http.StatusOK, gin.H{"synced": w.Name, "balance": balance})
}

func (h *APIHandler) handleBackup(c *gin.Context) {
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	ow, err := w.OnlineWallet()
	if err != nil {
		abortWithError(c, err)
		return
	}
	backup, err := ow.GenerateBackup()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, backup)
}

func (h *APIHandler) handleLedgerPolicies(c *gin.Context) {
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	ow, err := w.OnlineWallet()
	if err != nil {
		abortWithError(c, err)
		return
	}
	backup, err := ow.GenerateBackup()
	if err != nil {
		abortWithError(c, err)
		return
	}
	policies := make([]*keyring.LedgerPolicy, 0, len(backup))
	for _, entry := range backup {
		policy, err := keyring.LedgerPolicyFromBackup(entry)
		if err != nil {
			abortWithError(c, err)
			return
		}
		policies = append(policies, policy)
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

type createPsbtRequest struct {
	Spending wallet.SpendingConfig    `json:"spending"`
	Options  wallet.CreatePsbtOptions `json:"options"`
}

func (h *APIHandler) handleCreatePsbt(c *gin.Context) {
	var req createPsbtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	ow, err := w.OnlineWallet()
	if err != nil {
		abortWithError(c, err)
		return
	}
	packet, summary, err := ow.CreatePsbt(req.Spending, req.Options)
	if err != nil {
		abortWithError(c, err)
		return
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"psbt": encoded, "summary": summary})
}

type psbtRequest struct {
	Psbt string `json:"psbt" binding:"required"`
}

func decodePsbt(encoded string) (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(strings.NewReader(encoded), true)
}

func (h *APIHandler) handleSignPsbt(c *gin.Context) {
	var req psbtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	packet, err := decodePsbt(req.Psbt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	kp, err := w.KeyProvider()
	if err != nil {
		abortWithError(c, err)
		return
	}
	signed, err := kp.SignPsbt(packet)
	if err != nil {
		abortWithError(c, err)
		return
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"psbt": encoded, "signed_inputs": signed})
}

func (h *APIHandler) handlePsbtSummary(c *gin.Context) {
	var req psbtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	packet, err := decodePsbt(req.Psbt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	names := make(map[keys.Fingerprint]string)
	if fp, err := w.Fingerprint(); err == nil {
		names[fp] = w.Name
	}
	summary, err := wallet.SummarizePsbt(packet, nil, names, keys.Network())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *APIHandler) handleBroadcast(c *gin.Context) {
	if !h.requireBackend(c) {
		return
	}
	var req psbtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	packet, err := decodePsbt(req.Psbt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	ow, err := w.OnlineWallet()
	if err != nil {
		abortWithError(c, err)
		return
	}
	txid, err := ow.Broadcast(h.backend, packet)
	if err != nil {
		abortWithError(c, err)
		return
	}
	h.wsHub.Publish(WalletEvent{Type: "broadcast", Wallet: w.Name, Detail: txid.String()})
	c.JSON(http.StatusOK, gin.H{"txid": txid.String()})
}

type registerHeirRequest struct {
	Nickname string `json:"nickname" binding:"required"`
	Type     string `json:"type" binding:"required"`
	Value    string `json:"value" binding:"required"`
	Contact  string `json:"contact"`
}

func (h *APIHandler) handleRegisterHeir(c *gin.Context) {
	var req registerHeirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hc, err := keys.NewHeirConfig(keys.HeirConfigType(req.Type), req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	heirRecord := account.Heir{Nickname: req.Nickname, HeirConfig: hc, Contact: req.Contact}
	if err := account.SaveHeir(h.runtime.Store, heirRecord); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, heirRecord)
}

func (h *APIHandler) handleListHeirs(c *gin.Context) {
	heirs, err := account.ListHeirs(h.runtime.Store)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"heirs": heirs})
}

func (h *APIHandler) handleDeleteHeir(c *gin.Context) {
	if err := account.DeleteHeir(h.runtime.Store, c.Param("nickname")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("nickname")})
}

type heirRestoreRequest struct {
	Fingerprint string        `json:"fingerprint" binding:"required"`
	Backup      wallet.Backup `json:"backup" binding:"required"`
}

func (h *APIHandler) handleHeirRestore(c *gin.Context) {
	var req heirRestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fp, err := keys.ParseFingerprint(req.Fingerprint)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	if err := w.AttachHeritageProvider(fp, req.Backup, h.runtime); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": w.Name})
}

func (h *APIHandler) handleListHeritages(c *gin.Context) {
	if !h.requireBackend(c) {
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	provider, err := w.HeritageProvider()
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := provider.Sync(h.backend); err != nil {
		log.Printf("Warning: heir wallet sync failed, listing from cache: %v", err)
	}
	heritages, err := provider.ListHeritages()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"heritages": heritages})
}

type heirPsbtRequest struct {
	HeritageID string `json:"heritage_id"`
	DrainTo    string `json:"drain_to" binding:"required"`
}

func (h *APIHandler) handleHeirPsbt(c *gin.Context) {
	var req heirPsbtRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w := h.loadWallet(c)
	if w == nil {
		return
	}
	provider, err := w.HeritageProvider()
	if err != nil {
		abortWithError(c, err)
		return
	}
	packet, summary, err := provider.CreatePsbt(req.HeritageID, req.DrainTo)
	if err != nil {
		abortWithError(c, err)
		return
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"psbt": encoded, "summary": summary})
}

// hexEncodedSeed validates a seed parameter early so key-provider errors are
// 400s, not 500s.
func hexEncodedSeed(s string) error {
	if s == "" {
		return nil
	}
	_, err := hex.DecodeString(s)
	return err
}
