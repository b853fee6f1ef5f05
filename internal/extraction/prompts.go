package extraction

// Prompts are written in Portuguese, the operating language of the documents
// and of the target audience.

const primaryPrompt = `Analisa este documento fiscal português (fatura, fatura-recibo ou nota de crédito) e extrai os dados em JSON.

Campos a devolver:
{
  "nif_fornecedor": "NIF do emitente do documento (9 dígitos, pode vir com prefixo PT)",
  "vat_estrangeiro": "identificador de IVA estrangeiro do emitente, se não houver NIF português",
  "nome_fornecedor": "nome do emitente",
  "data_documento": "data de emissão do documento em YYYY-MM-DD (NUNCA a data de vencimento ou de débito)",
  "numero_documento": "número do documento (ex: FT 2025/123)",
  "tipo_documento": "tipo (fatura, fatura-recibo, nota de crédito, ...)",
  "atcud": "código único do documento ATCUD, se presente",
  "base_isenta": "base tributável isenta de IVA",
  "base_reduzida": "base tributável à taxa reduzida",
  "base_intermedia": "base tributável à taxa intermédia",
  "base_normal": "base tributável à taxa normal",
  "iva_reduzido": "valor de IVA à taxa reduzida",
  "iva_intermedio": "valor de IVA à taxa intermédia",
  "iva_normal": "valor de IVA à taxa normal",
  "total_iva": "total de IVA do documento",
  "total": "total do documento (valor legal a pagar)",
  "regiao": "continente, açores ou madeira, conforme as taxas aplicadas",
  "confianca": "confiança global da extração, inteiro 0-100"
}

Regras:
- Usa null para campos ausentes; não inventes valores.
- Valores monetários com ponto decimal e duas casas (ex: "123.45").
- Devolve APENAS JSON válido, sem texto antes ou depois e sem vírgula final.`

const identifierPrompt = `Neste documento fiscal português, identifica APENAS os números de identificação fiscal.

Devolve JSON com:
{
  "nif_fornecedor": "NIF do EMITENTE do documento (9 dígitos)",
  "nif_cliente": "NIF do destinatário, se visível",
  "vat_estrangeiro": "identificador de IVA estrangeiro do emitente, se aplicável"
}

Atenção: o NIF do fornecedor é o do emitente, normalmente junto ao cabeçalho ou rodapé com o nome da empresa. Usa null quando não conseguires ler o campo. Devolve APENAS JSON válido.`

const fallbackPrompt = `Este documento tem várias secções de faturação e as linhas de IVA por secção podem estar duplicadas ou incompletas.

Ignora as linhas por secção e devolve apenas os totais ao nível do documento:
{
  "total_iva_documento": "valor TOTAL de IVA de todo o documento",
  "regularizacao": "valor de regularização/acerto de IVA no próprio documento, se existir"
}

Usa null para campos ausentes. Devolve APENAS JSON válido.`
